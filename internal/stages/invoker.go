package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/inkwell-ai/inkwell/constants"
)

// SecretHeader authenticates the internal invocation channel. The endpoint
// is never reachable by end-user clients.
const SecretHeader = "X-Internal-Secret"

// ErrSecretNotConfigured aborts remote invocation when no shared secret is
// set; running the channel unauthenticated is not an option.
var ErrSecretNotConfigured = errors.New("internal secret not configured")

// Invoker dispatches a stage execution. The orchestrator depends only on
// this; whether executors run in process or behind HTTP is deployment
// configuration.
type Invoker interface {
	Invoke(ctx context.Context, stage constants.Stage, in Input) (Result, error)
}

// LocalInvoker dispatches to the in-process registry.
type LocalInvoker struct {
	reg *Registry
}

func NewLocalInvoker(reg *Registry) *LocalInvoker {
	return &LocalInvoker{reg: reg}
}

func (l *LocalInvoker) Invoke(ctx context.Context, stage constants.Stage, in Input) (Result, error) {
	e, err := l.reg.Get(stage)
	if err != nil {
		return Result{Error: err.Error()}, err
	}
	return e.Execute(ctx, in)
}

// HTTPInvoker posts to a remote executor service, attaching the shared
// secret. Refuses to run when the secret is unconfigured.
type HTTPInvoker struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	log        *slog.Logger
}

func NewHTTPInvoker(baseURL, secret string, timeout time.Duration, log *slog.Logger) *HTTPInvoker {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &HTTPInvoker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, stage constants.Stage, in Input) (Result, error) {
	if h.secret == "" {
		return Result{Error: ErrSecretNotConfigured.Error()}, ErrSecretNotConfigured
	}
	body, err := json.Marshal(in)
	if err != nil {
		return Result{}, fmt.Errorf("marshal stage input: %w", err)
	}
	url := fmt.Sprintf("%s/internal/stages/%s", h.baseURL, stage)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, h.secret)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("stage executor http error: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			h.log.Warn("executor response body close error", "error", err)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("stage executor status %d: %s", resp.StatusCode, raw)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("decode executor result: %w", err)
	}
	if !res.Success {
		return res, fmt.Errorf("stage %s failed: %s", stage, res.Error)
	}
	return res, nil
}
