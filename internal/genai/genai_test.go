package genai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp       openai.ChatCompletion
	err        error
	lastParams openai.ChatCompletionNewParams
	calls      int
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.calls++
	m.lastParams = params
	return m.resp, m.err
}

func completion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

// mockMessageService implements messageService for testing.
type mockMessageService struct {
	msg *anthropic.Message
	err error
}

func (m *mockMessageService) Create(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return m.msg, m.err
}

func newTestClient(chat chatService) *Client {
	return &Client{provider: ProviderOpenAI, chat: chat, model: "test-model", timeout: time.Second}
}

func TestComplete_Success(t *testing.T) {
	mock := &mockChatService{resp: completion("  {\"intent\":\"yes\"}  ")}
	client := newTestClient(mock)
	out, err := client.complete(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != `{"intent":"yes"}` {
		t.Errorf("expected trimmed content, got %q", out)
	}
	if mock.lastParams.ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON object response format to be requested")
	}
	if len(mock.lastParams.Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(mock.lastParams.Messages))
	}
}

func TestComplete_ServiceError(t *testing.T) {
	client := newTestClient(&mockChatService{err: errors.New("service failure")})
	_, err := client.complete(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	client := newTestClient(&mockChatService{resp: openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}})
	_, err := client.complete(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestComplete_EmptyContent(t *testing.T) {
	client := newTestClient(&mockChatService{resp: completion("   ")})
	_, err := client.complete(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected empty response error, got %v", err)
	}
}

func TestComplete_Anthropic(t *testing.T) {
	msg := &anthropic.Message{Content: []anthropic.ContentBlockUnion{{Type: "text", Text: `{"intent":"no"}`}}}
	client := &Client{provider: ProviderAnthropic, messages: &mockMessageService{msg: msg}, model: "test-model", timeout: time.Second}
	out, err := client.ClassifyYesNo(context.Background(), "not yet")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Intent != "no" {
		t.Errorf("expected no intent, got %+v", out)
	}

	empty := &Client{provider: ProviderAnthropic, messages: &mockMessageService{msg: &anthropic.Message{}}, model: "m", timeout: time.Second}
	if _, err := empty.complete(context.Background(), "s", "u"); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected empty response error, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected missing key error, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.Provider() != ProviderOpenAI || cli.model != DefaultOpenAIModel {
		t.Errorf("expected OpenAI defaults, got provider=%s model=%s", cli.Provider(), cli.model)
	}
}

func TestNewClient_Anthropic(t *testing.T) {
	cli, err := NewClient(WithProvider("Anthropic"), WithAPIKey("test-key"), WithModel("custom"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cli.Provider() != ProviderAnthropic || cli.model != "custom" {
		t.Errorf("unexpected client config: provider=%s model=%s", cli.Provider(), cli.model)
	}
}

func TestNewClient_UnknownProvider(t *testing.T) {
	_, err := NewClient(WithProvider("gemini"), WithAPIKey("k"))
	if !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected unknown provider error, got %v", err)
	}
}
