package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/filmgen/backend/internal/config"
)

// ErrProviderFailed wraps a failure reported by the provider itself, as
// opposed to a transport error.
var ErrProviderFailed = errors.New("provider reported failure")

type State int

const (
	StatePending State = iota
	StateComplete
	StateFailed
)

type Request struct {
	Prompt string
	Params map[string]any
}

// Submission is the provider's answer to Submit. Synchronous providers set
// Result; asynchronous ones set TaskID for polling.
type Submission struct {
	TaskID string
	Result string
}

func (s Submission) Done() bool { return s.Result != "" }

type PollResult struct {
	State  State
	Result string
	Error  string
}

// Provider is one generation backend.
type Provider interface {
	Name() string
	Kind() string
	Submit(ctx context.Context, req Request) (Submission, error)
	Poll(ctx context.Context, taskID string) (PollResult, error)
	ExtractResult(body []byte) (string, error)
	// WithAPIKey returns a copy that authenticates with key instead of the
	// platform credential.
	WithAPIKey(key string) Provider
}

// HTTPProvider talks JSON over HTTP. Everything provider specific lives in
// its config: the request template, where the prompt goes and which response
// paths carry the task id, status and result.
type HTTPProvider struct {
	name   string
	cfg    config.ProviderConfig
	apiKey string
	client *http.Client
}

func NewHTTPProvider(name string, cfg config.ProviderConfig, client *http.Client) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base_url is required", name)
	}
	if cfg.ResultPath == "" {
		return nil, fmt.Errorf("provider %s: result_path is required", name)
	}
	if cfg.StatusPath != "" && cfg.TaskIDPath == "" {
		return nil, fmt.Errorf("provider %s: task_id_path is required for polled providers", name)
	}
	if client == nil {
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPProvider{name: name, cfg: cfg, apiKey: cfg.APIKey, client: client}, nil
}

func (p *HTTPProvider) Name() string { return p.name }
func (p *HTTPProvider) Kind() string { return p.cfg.Kind }

func (p *HTTPProvider) WithAPIKey(key string) Provider {
	cp := *p
	cp.apiKey = key
	return &cp
}

// Async reports whether results must be polled.
func (p *HTTPProvider) Async() bool { return p.cfg.StatusPath != "" }

func (p *HTTPProvider) buildBody(req Request) ([]byte, error) {
	body := p.cfg.RequestTemplate
	if body == "" {
		body = "{}"
	}
	if !gjson.Valid(body) {
		return nil, fmt.Errorf("provider %s: request_template is not valid JSON", p.name)
	}
	var err error
	promptPath := p.cfg.PromptPath
	if promptPath == "" {
		promptPath = "prompt"
	}
	if body, err = sjson.Set(body, promptPath, req.Prompt); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if body, err = sjson.Set(body, k, req.Params[k]); err != nil {
			return nil, fmt.Errorf("set param %s: %w", k, err)
		}
	}
	return []byte(body), nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.cfg.BaseURL, "/")+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		header := p.cfg.AuthHeader
		if header == "" {
			header = "Authorization"
		}
		value := p.apiKey
		if p.cfg.AuthScheme != "" {
			value = p.cfg.AuthScheme + " " + p.apiKey
		}
		req.Header.Set(header, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", p.name, method, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", p.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := p.errorMessage(data)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		// 4xx means the provider rejected this request; retrying will not help.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %s returned %d: %s", ErrProviderFailed, p.name, resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("%s returned %d: %s", p.name, resp.StatusCode, msg)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%s: response is not JSON", p.name)
	}
	return data, nil
}

func (p *HTTPProvider) errorMessage(body []byte) string {
	path := p.cfg.ErrorPath
	if path == "" {
		path = "error"
	}
	v := gjson.GetBytes(body, path)
	if v.IsObject() {
		if m := v.Get("message"); m.Exists() {
			return m.String()
		}
		return v.Raw
	}
	return v.String()
}

func (p *HTTPProvider) Submit(ctx context.Context, req Request) (Submission, error) {
	body, err := p.buildBody(req)
	if err != nil {
		return Submission{}, err
	}
	data, err := p.do(ctx, http.MethodPost, p.cfg.SubmitPath, body)
	if err != nil {
		return Submission{}, err
	}
	if !p.Async() {
		result, err := p.ExtractResult(data)
		if err != nil {
			return Submission{}, err
		}
		return Submission{Result: result}, nil
	}
	taskID := gjson.GetBytes(data, p.cfg.TaskIDPath).String()
	if taskID == "" {
		if msg := p.errorMessage(data); msg != "" {
			return Submission{}, fmt.Errorf("%w: %s", ErrProviderFailed, msg)
		}
		return Submission{}, fmt.Errorf("%s: response has no task id at %q", p.name, p.cfg.TaskIDPath)
	}
	return Submission{TaskID: taskID}, nil
}

func (p *HTTPProvider) Poll(ctx context.Context, taskID string) (PollResult, error) {
	if !p.Async() {
		return PollResult{}, fmt.Errorf("%s is synchronous", p.name)
	}
	path := strings.ReplaceAll(p.cfg.StatusPath, "{task_id}", url.PathEscape(taskID))
	data, err := p.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return PollResult{}, err
	}

	state := p.state(data)
	switch state {
	case StateComplete:
		result, err := p.ExtractResult(data)
		if err != nil {
			return PollResult{}, err
		}
		return PollResult{State: StateComplete, Result: result}, nil
	case StateFailed:
		msg := p.errorMessage(data)
		if msg == "" {
			msg = "generation failed"
		}
		return PollResult{State: StateFailed, Error: msg}, nil
	default:
		return PollResult{State: StatePending}, nil
	}
}

func (p *HTTPProvider) state(body []byte) State {
	if p.cfg.StatusField == "" {
		if gjson.GetBytes(body, p.cfg.ResultPath).Exists() {
			return StateComplete
		}
		return StatePending
	}
	status := strings.ToLower(gjson.GetBytes(body, p.cfg.StatusField).String())
	switch {
	case containsFold(p.cfg.CompleteValues, status, "completed", "succeeded", "success", "done"):
		return StateComplete
	case containsFold(p.cfg.FailedValues, status, "failed", "error", "cancelled", "canceled"):
		return StateFailed
	default:
		return StatePending
	}
}

// containsFold matches s against configured values, or against the fallback
// list when none are configured.
func containsFold(values []string, s string, fallback ...string) bool {
	if len(values) == 0 {
		values = fallback
	}
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// ExtractResult reads the media reference from a completed response. Base64
// payloads are returned as data URIs.
func (p *HTTPProvider) ExtractResult(body []byte) (string, error) {
	v := gjson.GetBytes(body, p.cfg.ResultPath)
	if v.IsArray() {
		v = v.Get("0")
	}
	s := v.String()
	if s == "" {
		return "", fmt.Errorf("%s: no result at %q", p.name, p.cfg.ResultPath)
	}
	if p.cfg.ResultEncoding == "base64" {
		mime := p.cfg.ResultMIME
		if mime == "" {
			mime = "application/octet-stream"
		}
		return "data:" + mime + ";base64," + s, nil
	}
	return s, nil
}
