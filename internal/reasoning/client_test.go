// SPDX-License-Identifier: Apache-2.0

package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/logging"
	"github.com/adiadia/secflow/internal/provider"
)

func testRegistry(t *testing.T, baseURL string) *provider.Registry {
	t.Helper()

	spec := func(name string, role domain.Role) domain.AgentSpec {
		return domain.AgentSpec{Name: name, Role: role, Model: "small", PrimaryProvider: "local"}
	}
	r, err := provider.New(
		[]provider.Provider{{
			Name:    "local",
			Kind:    provider.KindOpenAICompat,
			BaseURL: baseURL,
			Models:  map[string]string{"small": "tiny-1"},
		}},
		provider.Roster{
			Planner:   spec("planner", domain.RolePlanner),
			Static:    []domain.AgentSpec{spec("static", domain.RoleExecutor)},
			Dynamic:   []domain.AgentSpec{spec("dynamic", domain.RoleExecutor)},
			Analyzers: []domain.AgentSpec{spec("analyzer", domain.RoleAnalyzer)},
			Decision:  spec("decision", domain.RoleDecision),
		},
	)
	require.NoError(t, err)
	return r
}

type fakeModel struct {
	text  string
	err   error
	calls atomic.Int32
	last  []llms.MessageContent
}

func (f *fakeModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.calls.Add(1)
	f.last = msgs
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.text}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, opts...)
}

func TestCompleteAgainstOpenAICompatibleServer(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "tiny-1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "all clear"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
		}`))
	}))
	defer srv.Close()

	c := New(Deps{Registry: testRegistry(t, srv.URL), Logger: logging.Discard()})

	resp, err := c.Complete(context.Background(), Request{
		Provider: "local",
		Model:    "small",
		System:   "You are terse.",
		Prompt:   "status?",
	})
	require.NoError(t, err)
	assert.Equal(t, "all clear", resp.Text)
	assert.Equal(t, "local", resp.Provider)
	assert.Equal(t, "tiny-1", gotModel)
}

func TestCompleteWrapsProviderError(t *testing.T) {
	boom := errors.New("503 upstream")
	fake := &fakeModel{err: boom}
	c := New(Deps{
		Registry: testRegistry(t, "http://unused"),
		Logger:   logging.Discard(),
		Factory:  func(provider.Endpoint, *http.Client) (llms.Model, error) { return fake, nil },
	})

	_, err := c.Complete(context.Background(), Request{Provider: "local", Model: "small", Prompt: "x"})
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "local", pe.Provider)
	assert.ErrorIs(t, err, boom)
}

func TestCompleteUnknownProviderIsProviderError(t *testing.T) {
	c := New(Deps{Registry: testRegistry(t, "http://unused"), Logger: logging.Discard()})

	_, err := c.Complete(context.Background(), Request{Provider: "ghost", Model: "small", Prompt: "x"})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
}

func TestCompleteEmptyChoice(t *testing.T) {
	fake := &fakeModel{text: "   "}
	c := New(Deps{
		Registry: testRegistry(t, "http://unused"),
		Logger:   logging.Discard(),
		Factory:  func(provider.Endpoint, *http.Client) (llms.Model, error) { return fake, nil },
	})

	_, err := c.Complete(context.Background(), Request{Provider: "local", Model: "small", Prompt: "x"})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestModelIsBuiltOncePerEndpoint(t *testing.T) {
	fake := &fakeModel{text: "ok"}
	var built atomic.Int32
	c := New(Deps{
		Registry:        testRegistry(t, "http://unused"),
		Logger:          logging.Discard(),
		RateLimitPerMin: 6000,
		Factory: func(provider.Endpoint, *http.Client) (llms.Model, error) {
			built.Add(1)
			return fake, nil
		},
	})

	for i := 0; i < 3; i++ {
		_, err := c.Complete(context.Background(), Request{Provider: "local", Model: "small", Prompt: "x"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), built.Load())
	assert.Equal(t, int32(3), fake.calls.Load())
}

func TestMessagesFoldSystemForAnthropic(t *testing.T) {
	req := Request{System: "sys", Prompt: "user"}

	msgs := messages(provider.KindAnthropic, req)
	require.Len(t, msgs, 1)
	assert.Equal(t, llms.ChatMessageTypeHuman, msgs[0].Role)

	msgs = messages(provider.KindOpenAI, req)
	require.Len(t, msgs, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, msgs[0].Role)
}

func TestNewModelRequiresCredentials(t *testing.T) {
	for _, kind := range []provider.Kind{provider.KindOpenAI, provider.KindAzure, provider.KindAnthropic} {
		_, err := NewModel(provider.Endpoint{Provider: "p", Kind: kind, Model: "m"}, http.DefaultClient)
		assert.ErrorIs(t, err, ErrMissingCredentials, string(kind))
	}
}
