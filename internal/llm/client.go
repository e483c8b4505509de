// Package llm wraps the Azure OpenAI client: streaming chat completions with
// tool calling, short non-streaming completions, strict JSON-schema
// completions, and embeddings.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// ChatStream yields streaming chat completion chunks. Recv returns io.EOF
// when the stream is exhausted.
type ChatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// Streamer starts streaming chat completions. Processors depend on this
// interface so tests can script deltas.
type Streamer interface {
	StreamChat(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error)
}

// Client talks to one Azure OpenAI resource.
type Client struct {
	api                  *openai.Client
	chatDeployment       string
	embeddingsDeployment string
}

// Config for the Azure OpenAI client.
type Config struct {
	Endpoint             string
	APIKey               string
	APIVersion           string
	ChatDeployment       string
	EmbeddingsDeployment string
}

// New builds a client for the Azure endpoint.
func New(cfg Config) *Client {
	clientConfig := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	if cfg.APIVersion != "" {
		clientConfig.APIVersion = cfg.APIVersion
	}
	return &Client{
		api:                  openai.NewClientWithConfig(clientConfig),
		chatDeployment:       cfg.ChatDeployment,
		embeddingsDeployment: cfg.EmbeddingsDeployment,
	}
}

// ChatDeployment returns the deployment used for chat completions.
func (c *Client) ChatDeployment() string {
	return c.chatDeployment
}

// StreamChat starts a streaming completion. The request's Model is filled in
// from the configured deployment when empty.
func (c *Client) StreamChat(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error) {
	if req.Model == "" {
		req.Model = c.chatDeployment
	}
	req.Stream = true
	stream, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("starting chat stream: %w", err)
	}
	return stream, nil
}

// Complete runs a short non-streaming completion and returns the first
// choice's content.
func (c *Client) Complete(ctx context.Context, messages []openai.ChatCompletionMessage, maxTokens int, temperature float32) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.chatDeployment,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteJSON runs a completion with a strict JSON-schema response format
// and decodes the result into out.
func (c *Client) CompleteJSON(ctx context.Context, messages []openai.ChatCompletionMessage, schemaName string, schema json.RawMessage, out any) error {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.chatDeployment,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   schemaName,
				Schema: schema,
				Strict: true,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("json completion %s: %w", schemaName, err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("json completion %s returned no choices", schemaName)
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), out); err != nil {
		return fmt.Errorf("decoding %s response: %w", schemaName, err)
	}
	return nil
}

// Embed returns the embedding vector for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.embeddingsDeployment),
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response has no data")
	}
	return resp.Data[0].Embedding, nil
}
