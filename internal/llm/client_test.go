package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twinloop/internal/errs"
)

func newTestClient(serverURL string) *OpenAIClient {
	return NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: serverURL,
		Model:   "test-model",
		Timeout: 5 * time.Second,
	})
}

func completionResponse(content string) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestCompleteSuccess(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(completionResponse("hello back")))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	result, err := client.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello back", result)
	assert.Equal(t, "Bearer test-key", gotAuth)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
	assert.Equal(t, "hello", gotReq.Messages[0].Content)
}

func TestCompleteWithSystemSendsSystemMessage(t *testing.T) {
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(completionResponse("ok")))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.CompleteWithSystem(context.Background(), "you are terse", "question")
	require.NoError(t, err)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "you are terse", gotReq.Messages[0].Content)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
}

func TestCompleteRetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(completionResponse("recovered")))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	result, err := client.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCompleteServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": {"message": "boom"}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Complete(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, errs.ExternalService, errs.CodeOf(err))
	assert.Contains(t, err.Error(), "500")
}

func TestCompleteAPIErrorInBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": {"message": "model overloaded", "type": "server_error"}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Complete(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestCompleteEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Complete(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestCompleteMissingAPIKey(t *testing.T) {
	client := NewOpenAIClient(OpenAIConfig{BaseURL: "http://unused", Model: "m"})
	_, err := client.Complete(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, errs.ExternalService, errs.CodeOf(err))
}

func TestCompleteContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newTestClient(server.URL)
	_, err := client.Complete(ctx, "hello")
	require.Error(t, err)
}
