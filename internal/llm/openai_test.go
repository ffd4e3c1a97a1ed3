package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/types"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) (Provider, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	p := NewOpenAIProvider(OpenAIConfig{
		ID:      "test",
		Name:    "test endpoint",
		Model:   "gpt-4o-mini",
		BaseURL: ts.URL,
		APIKey:  "sk-test",
	}, nil)
	return p, ts
}

func TestCompleteRoundTrip(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{
			"model": "gpt-4o-mini",
			"choices": [{"message": {"role": "assistant", "content": "done"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5}
		}`))
	})

	res, err := p.Complete(context.Background(), "you are helpful", []types.TaggedMessage{
		{Role: types.RoleUser, Content: "hello", Source: types.SourceFounder},
	}, Options{MaxTokens: 256})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "done", res.Content)
	assert.Equal(t, "test", res.ProviderID)
	assert.Equal(t, 10, res.InputTokens)
	assert.Equal(t, 5, res.OutputTokens)
	assert.Equal(t, StopEndTurn, res.StopReason)
	assert.Greater(t, res.CostUSD, 0.0)

	msgs := gotBody["messages"].([]any)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "you are helpful", first["content"])
}

func TestCompleteWrapsExternalMessages(t *testing.T) {
	var gotBody struct {
		Messages []oaiMessage `json:"messages"`
	}
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}],"usage":{}}`))
	})

	_, err := p.Complete(context.Background(), "", []types.TaggedMessage{
		{Role: types.RoleUser, Content: "raw external payload", Source: types.SourceExternal},
	}, Options{})
	require.NoError(t, err)

	require.Len(t, gotBody.Messages, 1)
	assert.Equal(t, "user", gotBody.Messages[0].Role)
	assert.Contains(t, gotBody.Messages[0].Content, types.ExternalDataBegin)
	assert.Contains(t, gotBody.Messages[0].Content, "raw external payload")
	assert.Contains(t, gotBody.Messages[0].Content, types.ExternalDataEnd)
}

func TestCompleteDoesNotDoubleWrap(t *testing.T) {
	wrapped := types.ExternalDataBegin + "\ndata\n" + types.ExternalDataEnd
	msgs := convertMessages("", []types.TaggedMessage{
		{Role: types.RoleUser, Content: wrapped, Source: types.SourceExternal},
	})
	require.Len(t, msgs, 1)
	assert.Equal(t, wrapped, msgs[0].Content)
}

func TestCompleteRepairsMalformedJSON(t *testing.T) {
	// Truncated body, as a flaky gateway would deliver.
	p, _ := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"recovered"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1`))
	})

	res, err := p.Complete(context.Background(), "", []types.TaggedMessage{
		{Role: types.RoleUser, Content: "hi", Source: types.SourceFounder},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Content)
}

func TestCompleteFailureWrapsProviderError(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	_, err := p.Complete(context.Background(), "", nil, Options{})
	var failure *FailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "test", failure.ProviderID)
	assert.Contains(t, failure.Error(), "502")
}

func TestStopReasonMapping(t *testing.T) {
	assert.Equal(t, StopMaxTokens, mapStopReason("length"))
	assert.Equal(t, StopSequence, mapStopReason("stop_sequence"))
	assert.Equal(t, StopEndTurn, mapStopReason("stop"))
	assert.Equal(t, StopEndTurn, mapStopReason(""))
}

func TestCanHandleLocalOnly(t *testing.T) {
	remote := NewOpenAIProvider(OpenAIConfig{ID: "remote", Model: "gpt-4o", BaseURL: "http://example.invalid"}, nil)
	local := NewOpenAIProvider(OpenAIConfig{ID: "local", Model: "local", BaseURL: "http://localhost:11434", Local: true}, nil)

	task := Task{Spec: "handle the password rotation", RequiresLocalOnly: true}
	assert.False(t, remote.CanHandle(task))
	assert.True(t, local.CanHandle(task))
}

func TestMockQueueAndFallback(t *testing.T) {
	m := NewMock("m1").Enqueue(CompletionResult{Content: "first"})

	res, err := m.Complete(context.Background(), "sys", nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "first", res.Content)
	assert.Equal(t, "m1", res.ProviderID)

	res, err = m.Complete(context.Background(), "sys", nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "mock completion", res.Content)
	assert.Equal(t, 2, m.Completions())
}
