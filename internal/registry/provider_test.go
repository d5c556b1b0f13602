package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filmgen/backend/internal/config"
)

func TestSyncProviderSubmit(t *testing.T) {
	var gotBody map[string]any
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		_, _ = w.Write([]byte(`{"data":[{"url":"https://cdn.example.com/a.png"}]}`))
	}))
	defer srv.Close()

	p, err := NewHTTPProvider("flux", config.ProviderConfig{
		Kind:            "image",
		BaseURL:         srv.URL,
		SubmitPath:      "/v1/images",
		APIKey:          "platform-key",
		AuthScheme:      "Bearer",
		RequestTemplate: `{"model":"flux-dev","n":1}`,
		PromptPath:      "input.prompt",
		ResultPath:      "data.0.url",
	}, srv.Client())
	require.NoError(t, err)
	assert.False(t, p.Async())

	sub, err := p.Submit(context.Background(), Request{Prompt: "a red door", Params: map[string]any{"steps": 30}})
	require.NoError(t, err)
	assert.True(t, sub.Done())
	assert.Equal(t, "https://cdn.example.com/a.png", sub.Result)
	assert.Equal(t, "Bearer platform-key", gotAuth)
	assert.Equal(t, "flux-dev", gotBody["model"])
	assert.Equal(t, float64(30), gotBody["steps"])
	assert.Equal(t, map[string]any{"prompt": "a red door"}, gotBody["input"])
}

func TestUserKeyOverridesPlatformKey(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		_, _ = w.Write([]byte(`{"url":"https://x/y.png"}`))
	}))
	defer srv.Close()

	base, err := NewHTTPProvider("img", config.ProviderConfig{
		Kind: "image", BaseURL: srv.URL, APIKey: "platform", AuthHeader: "X-Api-Key", ResultPath: "url",
	}, srv.Client())
	require.NoError(t, err)

	_, err = base.WithAPIKey("mine").Submit(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "mine", gotKey)

	_, err = base.Submit(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "platform", gotKey, "the original provider keeps the platform key")
}

func TestAsyncProviderPoll(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tasks":
			_, _ = w.Write([]byte(`{"id":"task-42"}`))
		case "/tasks/task-42":
			if polls.Add(1) < 2 {
				_, _ = w.Write([]byte(`{"status":"RUNNING"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"SUCCEEDED","output":{"video":"https://cdn.example.com/v.mp4"}}`))
		case "/tasks/task-bad":
			_, _ = w.Write([]byte(`{"status":"failed","error":{"message":"content policy"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p, err := NewHTTPProvider("kling", config.ProviderConfig{
		Kind:        "video",
		BaseURL:     srv.URL,
		SubmitPath:  "/tasks",
		StatusPath:  "/tasks/{task_id}",
		TaskIDPath:  "id",
		StatusField: "status",
		ResultPath:  "output.video",
	}, srv.Client())
	require.NoError(t, err)

	sub, err := p.Submit(context.Background(), Request{Prompt: "slow pan"})
	require.NoError(t, err)
	assert.False(t, sub.Done())
	assert.Equal(t, "task-42", sub.TaskID)

	res, err := p.Poll(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, res.State)

	res, err = p.Poll(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, "https://cdn.example.com/v.mp4", res.Result)

	res, err = p.Poll(context.Background(), "task-bad")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "content policy", res.Error)
}

func TestBase64Result(t *testing.T) {
	p, err := NewHTTPProvider("tts", config.ProviderConfig{
		Kind: "voiceover", BaseURL: "http://unused", ResultPath: "audio", ResultEncoding: "base64", ResultMIME: "audio/mpeg",
	}, nil)
	require.NoError(t, err)

	got, err := p.ExtractResult([]byte(`{"audio":"SUQzBAAAAAAA"}`))
	require.NoError(t, err)
	assert.Equal(t, "data:audio/mpeg;base64,SUQzBAAAAAAA", got)

	_, err = p.ExtractResult([]byte(`{"other":1}`))
	assert.Error(t, err)
}

func TestProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/reject":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"prompt too long"}`))
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/html":
			_, _ = w.Write([]byte(`<html>oops</html>`))
		}
	}))
	defer srv.Close()

	newP := func(path string) *HTTPProvider {
		p, err := NewHTTPProvider("p", config.ProviderConfig{Kind: "image", BaseURL: srv.URL, SubmitPath: path, ResultPath: "url"}, srv.Client())
		require.NoError(t, err)
		return p
	}

	_, err := newP("/reject").Submit(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderFailed))
	assert.Contains(t, err.Error(), "prompt too long")

	_, err = newP("/busy").Submit(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrProviderFailed), "5xx is retryable")

	_, err = newP("/html").Submit(context.Background(), Request{Prompt: "x"})
	assert.Error(t, err)
}

func TestNewHTTPProviderValidation(t *testing.T) {
	_, err := NewHTTPProvider("a", config.ProviderConfig{ResultPath: "url"}, nil)
	assert.Error(t, err, "base_url")
	_, err = NewHTTPProvider("a", config.ProviderConfig{BaseURL: "http://x"}, nil)
	assert.Error(t, err, "result_path")
	_, err = NewHTTPProvider("a", config.ProviderConfig{BaseURL: "http://x", ResultPath: "url", StatusPath: "/t/{task_id}"}, nil)
	assert.Error(t, err, "task_id_path")
}
