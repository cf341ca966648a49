package hookclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agenttrace/internal/domain"
	"github.com/xela07ax/agenttrace/internal/gitenrich"
)

// Config — параметры клиента хука.
type Config struct {
	Endpoint    string // базовый URL коллектора
	Token       string
	Attempts    uint
	BaseDelay   time.Duration
	Timeout     time.Duration
	PrivacyTier domain.PrivacyTier
	Version     string
}

// Response — ответ POST /v1/hooks.
type Response struct {
	Status   string   `json:"status"`
	Accepted bool     `json:"accepted"`
	Deduped  bool     `json:"deduped"`
	Errors   []string `json:"errors,omitempty"`
}

// StatusError — ответ коллектора с кодом не 2xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hookclient: collector responded %d: %s", e.Code, e.Body)
}

// Retryable — имеет ли смысл повторять запрос.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type Client struct {
	cfg     Config
	http    *http.Client
	session *gitenrich.SessionEnricher
	logger  *zap.Logger
	opts    Options
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption { return func(c *Client) { c.http = h } }

func WithSessionEnricher(s *gitenrich.SessionEnricher) ClientOption {
	return func(c *Client) { c.session = s }
}

func WithEnvelopeOptions(o Options) ClientOption { return func(c *Client) { c.opts = o } }

func NewClient(cfg Config, logger *zap.Logger, opts ...ClientOption) *Client {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("hook"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.opts.PrivacyTier = cfg.PrivacyTier
	if c.opts.SourceVersion == "" {
		c.opts.SourceVersion = cfg.Version
	}
	return c
}

// Prepare строит конверт и обогащает его git-данными. Поля свободного текста
// удаляются до отправки, если уровень приватности их не разрешает.
func (c *Client) Prepare(ctx context.Context, in HookInput) (domain.EventEnvelope, error) {
	env, err := BuildEnvelope(in, c.opts)
	if err != nil {
		return domain.EventEnvelope{}, err
	}
	fields := env.EnsureFields()

	gitenrich.Enrich(fields)
	if c.session != nil {
		if dir := in.Cwd(); dir != "" {
			c.session.Enrich(ctx, env.EventType, env.SessionID, dir, fields)
		}
	}

	env.Payload = fields.Redacted(env.PrivacyTier)
	return env, nil
}

// Run — полный цикл процесса хука: stdin → конверт → отправка.
func (c *Client) Run(ctx context.Context, stdin io.Reader) (Response, error) {
	in, err := ReadInput(stdin)
	if err != nil {
		return Response{}, err
	}
	env, err := c.Prepare(ctx, in)
	if err != nil {
		return Response{}, err
	}
	return c.Submit(ctx, &env)
}

// Submit отправляет конверт в POST /v1/hooks. Сетевые ошибки, 5xx и 429 повторяются.
func (c *Client) Submit(ctx context.Context, env *domain.EventEnvelope) (Response, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return Response{}, fmt.Errorf("hookclient: marshal envelope: %w", err)
	}
	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/v1/hooks"

	var out Response
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			if c.cfg.BaseDelay > 0 {
				return c.cfg.BaseDelay << n
			}
			return retry.BackOffDelay(n, err, config)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("hook submit retry", zap.Uint("attempt", n+1), zap.String("event_id", env.EventID), zap.Error(err))
		}),
	)
	err = r.Do(func() error {
		resp, err := c.post(ctx, url, body)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && !se.Retryable() {
				return retry.Unrecoverable(err)
			}
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("hookclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("hookclient: post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("hookclient: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("hookclient: decode response: %w", err)
	}
	return out, nil
}
