package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults shared across services.
const (
	DefaultMaxConcurrency   = 10
	DefaultSenderPoolSize   = 10
	DefaultMemoryAPITimeout = 2 * time.Second
	DefaultReconnectDelay   = 5 * time.Second

	// Drain budgets on shutdown. The LLM worker gets the long budget because
	// an in-flight streaming completion can run for minutes.
	DefaultLLMDrainTimeout    = 240 * time.Second
	DefaultWorkerDrainTimeout = 60 * time.Second
)

// Config holds configuration for all services. Each binary validates only the
// fields it needs via the Validate* methods.
type Config struct {
	// Service Bus
	ServiceBusNamespace          string
	UserMessagesTopic            string
	UserMessagesSubscription     string
	TokenStreamsTopic            string
	MessageCompletedTopic        string
	MessageCompletedSubscription string
	SenderPoolSize               int

	// Redis session cache
	RedisHost string
	RedisPort int
	RedisSSL  bool

	// Cosmos DB
	CosmosEndpoint                string
	CosmosDatabase                string
	HistoryContainer              string
	ConversationMemoriesContainer string
	UserMemoriesContainer         string

	// Azure OpenAI
	OpenAIEndpoint       string
	OpenAIAPIKey         string
	OpenAIAPIVersion     string
	ChatDeployment       string
	EmbeddingsDeployment string

	// Memory API (consumed by the LLM worker's tool calls)
	MemoryAPIEndpoint string
	MemoryAPITimeout  time.Duration

	// Concurrency & drain
	MaxConcurrency int
	MaxToolRounds  int
	DrainTimeout   time.Duration
	ReconnectDelay time.Duration

	// HTTP services
	Port               string
	GinMode            string
	CORSAllowedOrigins string

	// Observability
	LogLevel             string
	LogFormat            string
	MetricsAddr          string
	OTELEndpoint         string
	OTELInsecure         bool
	RecordMessageContent bool
	Environment          string
}

// Load reads configuration from the environment, loading .env in development.
func Load() *Config {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		ServiceBusNamespace:          getEnvOrDefault("SERVICEBUS_FULLY_QUALIFIED_NAMESPACE", ""),
		UserMessagesTopic:            getEnvOrDefault("SERVICEBUS_USER_MESSAGES_TOPIC", "user-messages"),
		UserMessagesSubscription:     getEnvOrDefault("SERVICEBUS_USER_MESSAGES_SUBSCRIPTION", "user-messages-sub"),
		TokenStreamsTopic:            getEnvOrDefault("SERVICEBUS_TOKEN_STREAMS_TOPIC", "token-streams"),
		MessageCompletedTopic:        getEnvOrDefault("SERVICEBUS_MESSAGE_COMPLETED_TOPIC", "message-completed"),
		MessageCompletedSubscription: getEnvOrDefault("SERVICEBUS_MESSAGE_COMPLETED_SUBSCRIPTION", ""),
		SenderPoolSize:               getEnvAsInt("SERVICEBUS_SENDER_POOL_SIZE", DefaultSenderPoolSize),

		RedisHost: getEnvOrDefault("REDIS_HOST", ""),
		RedisPort: getEnvAsInt("REDIS_PORT", 6380),
		RedisSSL:  getEnvOrDefault("REDIS_SSL", "true") == "true",

		CosmosEndpoint:                getEnvOrDefault("COSMOS_ENDPOINT", ""),
		CosmosDatabase:                getEnvOrDefault("COSMOS_DATABASE_NAME", "chat"),
		HistoryContainer:              getEnvOrDefault("COSMOS_HISTORY_CONTAINER_NAME", "history"),
		ConversationMemoriesContainer: getEnvOrDefault("COSMOS_CONVERSATIONS_CONTAINER_NAME", "conversations"),
		UserMemoriesContainer:         getEnvOrDefault("COSMOS_USER_MEMORIES_CONTAINER_NAME", "user-memories"),

		OpenAIEndpoint:       getEnvOrDefault("AZURE_OPENAI_ENDPOINT", ""),
		OpenAIAPIKey:         strings.TrimSpace(getEnvOrDefault("AZURE_OPENAI_API_KEY", "")),
		OpenAIAPIVersion:     getEnvOrDefault("AZURE_OPENAI_API_VERSION", "2025-04-01-preview"),
		ChatDeployment:       getEnvOrDefault("AZURE_OPENAI_DEPLOYMENT_NAME", ""),
		EmbeddingsDeployment: getEnvOrDefault("AZURE_OPENAI_EMBEDDINGS_DEPLOYMENT_NAME", ""),

		MemoryAPIEndpoint: getEnvOrDefault("MEMORY_API_ENDPOINT", ""),
		MemoryAPITimeout:  getEnvAsDuration("MEMORY_API_TIMEOUT", DefaultMemoryAPITimeout),

		MaxConcurrency: getEnvAsInt("MAX_CONCURRENCY", DefaultMaxConcurrency),
		MaxToolRounds:  getEnvAsInt("MAX_TOOL_ROUNDS", 3),
		DrainTimeout:   getEnvAsDuration("DRAIN_TIMEOUT", 0),
		ReconnectDelay: getEnvAsDuration("RECONNECT_DELAY", DefaultReconnectDelay),

		Port:               getEnvOrDefault("PORT", "8080"),
		GinMode:            getEnvOrDefault("GIN_MODE", "release"),
		CORSAllowedOrigins: getEnvOrDefault("CORS_ORIGINS", "*"),

		LogLevel:             getEnvOrDefault("LOG_LEVEL", "warn"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", ""),
		MetricsAddr:          getEnvOrDefault("METRICS_ADDR", ""),
		OTELEndpoint:         getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:         getEnvOrDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
		RecordMessageContent: getEnvOrDefault("RECORD_MESSAGE_CONTENT", "false") == "true",
		Environment:          getEnvOrDefault("APP_ENV", "development"),
	}
}

// RedisAddr returns the host:port address of the session cache.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// ValidateLLMWorker checks the configuration required by the LLM worker.
func (c *Config) ValidateLLMWorker() error {
	if err := c.requireServiceBus(); err != nil {
		return err
	}
	if c.UserMessagesSubscription == "" {
		return missing("SERVICEBUS_USER_MESSAGES_SUBSCRIPTION")
	}
	if c.TokenStreamsTopic == "" {
		return missing("SERVICEBUS_TOKEN_STREAMS_TOPIC")
	}
	if c.RedisHost == "" {
		return missing("REDIS_HOST")
	}
	if c.OpenAIEndpoint == "" {
		return missing("AZURE_OPENAI_ENDPOINT")
	}
	if c.ChatDeployment == "" {
		return missing("AZURE_OPENAI_DEPLOYMENT_NAME")
	}
	return nil
}

// ValidateHistoryWorker checks the configuration required by the history worker.
func (c *Config) ValidateHistoryWorker() error {
	if err := c.requireCompletedSubscription(); err != nil {
		return err
	}
	if c.RedisHost == "" {
		return missing("REDIS_HOST")
	}
	if c.CosmosEndpoint == "" {
		return missing("COSMOS_ENDPOINT")
	}
	if c.OpenAIEndpoint == "" {
		return missing("AZURE_OPENAI_ENDPOINT")
	}
	if c.ChatDeployment == "" {
		return missing("AZURE_OPENAI_DEPLOYMENT_NAME")
	}
	return nil
}

// ValidateMemoryWorker checks the configuration required by the memory worker.
func (c *Config) ValidateMemoryWorker() error {
	if err := c.ValidateHistoryWorker(); err != nil {
		return err
	}
	if c.EmbeddingsDeployment == "" {
		return missing("AZURE_OPENAI_EMBEDDINGS_DEPLOYMENT_NAME")
	}
	return nil
}

// ValidateFrontService checks the configuration required by the chat ingress.
func (c *Config) ValidateFrontService() error {
	return c.requireServiceBus()
}

// ValidateMemoryAPI checks the configuration required by the memory read API.
func (c *Config) ValidateMemoryAPI() error {
	if c.CosmosEndpoint == "" {
		return missing("COSMOS_ENDPOINT")
	}
	if c.OpenAIEndpoint == "" {
		return missing("AZURE_OPENAI_ENDPOINT")
	}
	if c.EmbeddingsDeployment == "" {
		return missing("AZURE_OPENAI_EMBEDDINGS_DEPLOYMENT_NAME")
	}
	return nil
}

// ValidateHistoryAPI checks the configuration required by the history read API.
func (c *Config) ValidateHistoryAPI() error {
	if c.CosmosEndpoint == "" {
		return missing("COSMOS_ENDPOINT")
	}
	return nil
}

func (c *Config) requireServiceBus() error {
	if c.ServiceBusNamespace == "" {
		return missing("SERVICEBUS_FULLY_QUALIFIED_NAMESPACE")
	}
	if c.UserMessagesTopic == "" {
		return missing("SERVICEBUS_USER_MESSAGES_TOPIC")
	}
	return nil
}

func (c *Config) requireCompletedSubscription() error {
	if c.ServiceBusNamespace == "" {
		return missing("SERVICEBUS_FULLY_QUALIFIED_NAMESPACE")
	}
	if c.MessageCompletedTopic == "" {
		return missing("SERVICEBUS_MESSAGE_COMPLETED_TOPIC")
	}
	if c.MessageCompletedSubscription == "" {
		return missing("SERVICEBUS_MESSAGE_COMPLETED_SUBSCRIPTION")
	}
	return nil
}

func missing(name string) error {
	return fmt.Errorf("missing required environment variable %s", name)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		// Bare numbers are treated as seconds, matching older deployments.
		if secs, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultValue
}
