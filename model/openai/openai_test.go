package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hupe1980/biomesh/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, deltas []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body["model"])

		w.Header().Set("Content-Type", "text/event-stream")
		for i, d := range deltas {
			chunk := map[string]any{
				"id": "c1", "object": "chat.completion.chunk", "created": 1, "model": "test-model",
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": d}}},
			}
			if i == len(deltas)-1 {
				chunk["choices"].([]map[string]any)[0]["finish_reason"] = "stop"
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestModel_Streaming(t *testing.T) {
	srv := sseServer(t, []string{"Hel", "lo"})
	defer srv.Close()

	m := NewModel(func(o *Options) {
		o.Model = "test-model"
		o.BaseURL = srv.URL
		o.APIKey = "test"
	})

	resp, errs := m.Generate(context.Background(), model.Request{
		Messages: []model.ChatMessage{model.System("be brief"), model.User("hi")},
		Stream:   true,
	})
	var text strings.Builder
	var finish string
	for r := range resp {
		text.WriteString(r.Delta)
		if r.FinishReason != "" {
			finish = r.FinishReason
		}
	}
	require.NoError(t, <-errs)
	assert.Equal(t, "Hello", text.String())
	assert.Equal(t, "stop", finish)
	assert.Equal(t, "openai", m.Info().Provider)
}

func TestModel_RateLimitIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	m := NewModel(func(o *Options) {
		o.Model = "test-model"
		o.BaseURL = srv.URL
		o.APIKey = "test"
	})
	resp, errs := m.Generate(context.Background(), model.Request{Messages: []model.ChatMessage{model.User("hi")}})
	for range resp {
	}
	err := <-errs
	var me *model.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, model.KindRateLimit, me.Kind)
	assert.True(t, me.Retryable())
}
