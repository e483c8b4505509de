package llmworker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadechat/cascade/internal/bus"
	"github.com/cascadechat/cascade/internal/cache"
	"github.com/cascadechat/cascade/internal/conversation"
	"github.com/cascadechat/cascade/internal/llm"
	"github.com/cascadechat/cascade/internal/logger"
	"github.com/cascadechat/cascade/internal/memoryclient"
	"github.com/cascadechat/cascade/internal/worker"
)

type fakeStream struct {
	chunks []openai.ChatCompletionStreamResponse
	pos    int
}

func (s *fakeStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if s.pos >= len(s.chunks) {
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *fakeStream) Close() error { return nil }

type fakeStreamer struct {
	rounds   [][]openai.ChatCompletionStreamResponse
	reqs     []openai.ChatCompletionRequest
	startErr error
}

func (f *fakeStreamer) StreamChat(ctx context.Context, req openai.ChatCompletionRequest) (llm.ChatStream, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.reqs = append(f.reqs, req)
	round := len(f.reqs) - 1
	if round >= len(f.rounds) {
		return &fakeStream{}, nil
	}
	return &fakeStream{chunks: f.rounds[round]}, nil
}

type fakeCache struct {
	data   map[string]*conversation.Conversation
	putErr error
	puts   []*conversation.Conversation
}

func (f *fakeCache) Get(ctx context.Context, sessionID string) (*conversation.Conversation, error) {
	c, ok := f.data[sessionID]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return c, nil
}

func (f *fakeCache) Put(ctx context.Context, conv *conversation.Conversation) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.puts = append(f.puts, conv)
	return nil
}

type searchCall struct {
	userID string
	query  string
	limit  int
}

type fakeMemory struct {
	mem        *memoryclient.UserMemory
	memErr     error
	fetches    int
	searches   []searchCall
	searchResp *memoryclient.SearchResponse
	searchErr  error
}

func (f *fakeMemory) FetchUserMemory(ctx context.Context, userID string) (*memoryclient.UserMemory, error) {
	f.fetches++
	if f.memErr != nil {
		return nil, f.memErr
	}
	if f.mem == nil {
		return &memoryclient.UserMemory{}, nil
	}
	return f.mem, nil
}

func (f *fakeMemory) SearchConversations(ctx context.Context, userID, query string, limit int) (*memoryclient.SearchResponse, error) {
	f.searches = append(f.searches, searchCall{userID: userID, query: query, limit: limit})
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if f.searchResp == nil {
		return &memoryclient.SearchResponse{Conversations: []memoryclient.SearchHit{}}, nil
	}
	return f.searchResp, nil
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []*bus.Message
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg *bus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSender) Close(ctx context.Context) error { return nil }

func contentChunk(s string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{Content: s},
		}},
	}
}

func toolChunk(index int, id, name, args string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{{
					Index:    &index,
					ID:       id,
					Function: openai.FunctionCall{Name: name, Arguments: args},
				}},
			},
		}},
	}
}

type fixture struct {
	proc     *Processor
	streamer *fakeStreamer
	cache    *fakeCache
	memory   *fakeMemory
	tokens   *fakeSender
	compl    *fakeSender
}

func newFixture(streamer *fakeStreamer) *fixture {
	f := &fixture{
		streamer: streamer,
		cache:    &fakeCache{data: map[string]*conversation.Conversation{}},
		memory:   &fakeMemory{},
		tokens:   &fakeSender{},
		compl:    &fakeSender{},
	}
	f.proc = New(Config{
		Cache:         f.cache,
		LLM:           f.streamer,
		Memory:        f.memory,
		Tokens:        f.tokens,
		Completions:   f.compl,
		Logger:        logger.New(logger.Config{Format: "text"}),
		MaxToolRounds: 3,
	})
	return f
}

func chatMsg(text string) *bus.Message {
	body, _ := json.Marshal(conversation.ChatRequest{
		Text: text, SessionID: "s1", ChatMessageID: "m1", UserID: "u1",
	})
	return &bus.Message{Body: body, SessionID: "s1", MessageID: "m1"}
}

func tokenEvents(t *testing.T, sender *fakeSender) []conversation.TokenEvent {
	t.Helper()
	var out []conversation.TokenEvent
	for _, m := range sender.msgs {
		var ev conversation.TokenEvent
		require.NoError(t, json.Unmarshal(m.Body, &ev))
		out = append(out, ev)
	}
	return out
}

func TestNewSessionNoTools(t *testing.T) {
	f := newFixture(&fakeStreamer{rounds: [][]openai.ChatCompletionStreamResponse{
		{contentChunk("Hel"), contentChunk("lo "), contentChunk("there!")},
	}})
	f.memory.mem = &memoryclient.UserMemory{Interests: []string{"astronomy"}}

	require.NoError(t, f.proc.Handle(context.Background(), chatMsg("Hello")))

	// Tokens preserve chunk boundaries, sentinel last.
	events := tokenEvents(t, f.tokens)
	require.Len(t, events, 4)
	assert.Equal(t, "Hel", events[0].Token)
	assert.Equal(t, "lo ", events[1].Token)
	assert.Equal(t, "there!", events[2].Token)
	assert.True(t, events[3].EndOfStream)
	assert.Equal(t, "s1", f.tokens.msgs[0].SessionID)

	// Cache holds [system, user, assistant] with derived message ids.
	require.Len(t, f.cache.puts, 1)
	conv := f.cache.puts[0]
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, conversation.RoleSystem, conv.Messages[0].Role)
	assert.Equal(t, "m1_system", conv.Messages[0].MessageID)
	assert.Contains(t, conv.Messages[0].Content, "astronomy")
	assert.Equal(t, "m1_user", conv.Messages[1].MessageID)
	assert.Equal(t, "Hello", conv.Messages[1].Content)
	assert.Equal(t, "m1_assistant", conv.Messages[2].MessageID)
	assert.Equal(t, "Hello there!", conv.Messages[2].Content)
	assert.Nil(t, conv.Title)

	// One completion event, session-partitioned, derived message id.
	require.Len(t, f.compl.msgs, 1)
	assert.Equal(t, "s1", f.compl.msgs[0].SessionID)
	assert.Equal(t, "m1_completed", f.compl.msgs[0].MessageID)
	var ev conversation.CompletionEvent
	require.NoError(t, json.Unmarshal(f.compl.msgs[0].Body, &ev))
	assert.Equal(t, "m1", ev.ChatMessageID)
	assert.Equal(t, conversation.CompletionEventType, ev.EventType)
}

func TestSecondTurnKeepsSystemMessage(t *testing.T) {
	f := newFixture(&fakeStreamer{rounds: [][]openai.ChatCompletionStreamResponse{
		{contentChunk("Sure.")},
	}})
	f.cache.data["s1"] = &conversation.Conversation{
		SessionID: "s1",
		UserID:    "u1",
		Messages: []conversation.Message{
			{MessageID: "m0_system", Role: conversation.RoleSystem, Content: "base"},
			{MessageID: "m0_user", Role: conversation.RoleUser, Content: "Hello"},
			{MessageID: "m0_assistant", Role: conversation.RoleAssistant, Content: "Hi!"},
		},
	}

	require.NoError(t, f.proc.Handle(context.Background(), chatMsg("And then?")))

	// Existing system message means no memory fetch and no new system entry.
	assert.Zero(t, f.memory.fetches)
	require.Len(t, f.cache.puts, 1)
	assert.Len(t, f.cache.puts[0].Messages, 5)

	// The completion request replays the full history.
	require.Len(t, f.streamer.reqs, 1)
	msgs := f.streamer.reqs[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "base", msgs[0].Content)
	assert.Equal(t, "And then?", msgs[3].Content)
}

func TestCrossUserCacheEntryIsIgnored(t *testing.T) {
	f := newFixture(&fakeStreamer{rounds: [][]openai.ChatCompletionStreamResponse{
		{contentChunk("Hi!")},
	}})
	f.cache.data["s1"] = &conversation.Conversation{
		SessionID: "s1",
		UserID:    "someone-else",
		Messages: []conversation.Message{
			{Role: conversation.RoleSystem, Content: "their secrets"},
			{Role: conversation.RoleUser, Content: "their question"},
		},
	}

	require.NoError(t, f.proc.Handle(context.Background(), chatMsg("Hello")))

	// The other user's history never reaches the model.
	require.Len(t, f.streamer.reqs, 1)
	for _, m := range f.streamer.reqs[0].Messages {
		assert.NotContains(t, m.Content, "their secrets")
		assert.NotContains(t, m.Content, "their question")
	}
	assert.Equal(t, 1, f.memory.fetches)
	require.Len(t, f.cache.puts, 1)
	assert.Equal(t, "u1", f.cache.puts[0].UserID)
	assert.Len(t, f.cache.puts[0].Messages, 3)
}

func TestToolCallRoundTrip(t *testing.T) {
	f := newFixture(&fakeStreamer{rounds: [][]openai.ChatCompletionStreamResponse{
		{
			// Tool call split across deltas, id arriving late.
			toolChunk(0, "", "search_conversation_history", ""),
			toolChunk(0, "", "", `{"search_`),
			toolChunk(0, "", "", `query":"vac`),
			toolChunk(0, "call_abc", "", `ation"`),
			toolChunk(0, "", "", `,"limit"`),
			toolChunk(0, "", "", `:3`),
			toolChunk(0, "", "", `}`),
		},
		{contentChunk("You went to Kyoto last spring.")},
	}})
	f.memory.searchResp = &memoryclient.SearchResponse{
		Conversations: []memoryclient.SearchHit{{Summary: "Kyoto trip", RelevanceScore: 0.9}},
		TotalFound:    1,
		SearchQuery:   "vacation",
	}

	require.NoError(t, f.proc.Handle(context.Background(), chatMsg("Where did I go on vacation?")))

	// Exactly one search with the reassembled arguments.
	require.Len(t, f.memory.searches, 1)
	assert.Equal(t, searchCall{userID: "u1", query: "vacation", limit: 3}, f.memory.searches[0])

	// The follow-up request carries the assistant tool_calls message and the
	// tool result.
	require.Len(t, f.streamer.reqs, 2)
	followUp := f.streamer.reqs[1].Messages
	assistant := followUp[len(followUp)-2]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_abc", assistant.ToolCalls[0].ID)
	toolMsg := followUp[len(followUp)-1]
	assert.Equal(t, openai.ChatMessageRoleTool, toolMsg.Role)
	assert.Equal(t, "call_abc", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, "Kyoto trip")

	// Final assistant reply persisted.
	require.Len(t, f.cache.puts, 1)
	msgs := f.cache.puts[0].Messages
	assert.Equal(t, "You went to Kyoto last spring.", msgs[len(msgs)-1].Content)
	require.Len(t, f.compl.msgs, 1)
}

func TestToolRoundBudgetBoundsRecursion(t *testing.T) {
	loopRound := []openai.ChatCompletionStreamResponse{
		toolChunk(0, "call_1", "search_conversation_history", `{"search_query":"again"}`),
	}
	f := newFixture(&fakeStreamer{rounds: [][]openai.ChatCompletionStreamResponse{
		loopRound, loopRound, loopRound, loopRound, loopRound, loopRound,
	}})

	require.NoError(t, f.proc.Handle(context.Background(), chatMsg("loop")))

	// MaxToolRounds=3 allows the initial round plus three follow-ups.
	assert.Len(t, f.streamer.reqs, 4)
	assert.Len(t, f.memory.searches, 3)
	require.Len(t, f.compl.msgs, 1)
}

func TestMemoryTimeoutStillBuildsPrompt(t *testing.T) {
	f := newFixture(&fakeStreamer{rounds: [][]openai.ChatCompletionStreamResponse{
		{contentChunk("Hello!")},
	}})
	f.memory.memErr = context.DeadlineExceeded

	require.NoError(t, f.proc.Handle(context.Background(), chatMsg("Hi")))

	require.Len(t, f.cache.puts, 1)
	system := f.cache.puts[0].Messages[0]
	assert.Equal(t, conversation.RoleSystem, system.Role)
	assert.NotEmpty(t, system.Content)
	require.Len(t, f.compl.msgs, 1)
}

func TestMalformedRequestIsTerminal(t *testing.T) {
	f := newFixture(&fakeStreamer{})
	body, _ := json.Marshal(map[string]string{
		"sessionId": "s1", "chatMessageId": "m1", "userId": "u1",
	})

	err := f.proc.Handle(context.Background(), &bus.Message{Body: body})
	require.Error(t, err)
	assert.True(t, worker.IsTerminal(err))

	// The sentinel still closes the token stream; nothing else happens.
	events := tokenEvents(t, f.tokens)
	require.Len(t, events, 1)
	assert.True(t, events[0].EndOfStream)
	assert.Empty(t, f.compl.msgs)
	assert.Empty(t, f.cache.puts)
}

func TestCacheWriteFailureIsNotFatal(t *testing.T) {
	f := newFixture(&fakeStreamer{rounds: [][]openai.ChatCompletionStreamResponse{
		{contentChunk("Hi!")},
	}})
	f.cache.putErr = errors.New("redis down")

	require.NoError(t, f.proc.Handle(context.Background(), chatMsg("Hello")))
	// Completion is still announced; the history worker copes with the miss.
	require.Len(t, f.compl.msgs, 1)
}

func TestTokenPublishFailureIsRetryable(t *testing.T) {
	f := newFixture(&fakeStreamer{rounds: [][]openai.ChatCompletionStreamResponse{
		{contentChunk("Hi!")},
	}})
	f.tokens.err = errors.New("amqp link down")

	err := f.proc.Handle(context.Background(), chatMsg("Hello"))
	require.Error(t, err)
	assert.False(t, worker.IsTerminal(err))
	assert.Empty(t, f.compl.msgs)
}

func TestCompletionPublishFailureIsRetryable(t *testing.T) {
	f := newFixture(&fakeStreamer{rounds: [][]openai.ChatCompletionStreamResponse{
		{contentChunk("Hi!")},
	}})
	f.compl.err = errors.New("amqp link down")

	err := f.proc.Handle(context.Background(), chatMsg("Hello"))
	require.Error(t, err)
	assert.False(t, worker.IsTerminal(err))
}

func TestToolEmptyQueryShortCircuits(t *testing.T) {
	f := newFixture(&fakeStreamer{rounds: [][]openai.ChatCompletionStreamResponse{
		{toolChunk(0, "call_1", "search_conversation_history", `{"search_query":"  "}`)},
		{contentChunk("Nothing to search.")},
	}})

	require.NoError(t, f.proc.Handle(context.Background(), chatMsg("search nothing")))

	assert.Empty(t, f.memory.searches)
	followUp := f.streamer.reqs[1].Messages
	assert.Contains(t, followUp[len(followUp)-1].Content, "Empty search query provided")
}

func TestToolLimitClamped(t *testing.T) {
	f := newFixture(&fakeStreamer{rounds: [][]openai.ChatCompletionStreamResponse{
		{toolChunk(0, "call_1", "search_conversation_history", `{"search_query":"x","limit":99}`)},
		{contentChunk("Done.")},
	}})

	require.NoError(t, f.proc.Handle(context.Background(), chatMsg("search")))
	require.Len(t, f.memory.searches, 1)
	assert.Equal(t, 10, f.memory.searches[0].limit)
}

func TestToolSearchNotFoundMessage(t *testing.T) {
	f := newFixture(&fakeStreamer{rounds: [][]openai.ChatCompletionStreamResponse{
		{toolChunk(0, "call_1", "search_conversation_history", `{"search_query":"x"}`)},
		{contentChunk("No luck.")},
	}})
	f.memory.searchErr = memoryclient.ErrNotFound

	require.NoError(t, f.proc.Handle(context.Background(), chatMsg("search")))
	followUp := f.streamer.reqs[1].Messages
	assert.Contains(t, followUp[len(followUp)-1].Content, "No previous conversations found")
}
