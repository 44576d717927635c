package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/thrillee/aegiscert/internal/model"
)

// ErrCircuitOpen is returned without calling a listener whose breaker is open.
var ErrCircuitOpen = errors.New("listener circuit open")

// Echo is the delivery confirmation sent back to the originating system.
type Echo struct {
	Callback    model.CallbackCredentials
	Sender      string
	Destination string
	Event       string
	StatusCode  int
	Timestamp   time.Time
}

func (e Echo) form() url.Values {
	return url.Values{
		"account":        {e.Callback.Account},
		"username":       {e.Callback.Username},
		"password":       {e.Callback.Password},
		"sender":         {e.Sender},
		"destination":    {e.Destination},
		"correlation_id": {e.Callback.CorrelationID},
		"timestamp":      {e.Timestamp.UTC().Format(time.RFC3339)},
		"event":          {e.Event},
		"status_code":    {strconv.Itoa(e.StatusCode)},
	}
}

type Echoer interface {
	Echo(ctx context.Context, e Echo) error
}

type EchoConfig struct {
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// HTTPEchoer posts echoes as form parameters to the message's listener URL,
// with one circuit breaker per listener host.
type HTTPEchoer struct {
	cfg        EchoConfig
	httpClient *http.Client

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewHTTPEchoer(cfg EchoConfig) *HTTPEchoer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPEchoer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breakers:   make(map[string]*CircuitBreaker),
	}
}

func (h *HTTPEchoer) breaker(host string) *CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	cb, ok := h.breakers[host]
	if !ok {
		cb = NewCircuitBreaker(CircuitBreakerConfig{
			Name:             host,
			FailureThreshold: h.cfg.FailureThreshold,
			Timeout:          h.cfg.Cooldown,
		})
		h.breakers[host] = cb
	}
	return cb
}

func (h *HTTPEchoer) Echo(ctx context.Context, e Echo) error {
	target, err := url.Parse(e.Callback.ListenerURL)
	if err != nil || target.Host == "" {
		return fmt.Errorf("invalid listener url %q", e.Callback.ListenerURL)
	}
	cb := h.breaker(target.Host)
	if !cb.AllowRequest() {
		return ErrCircuitOpen
	}

	if err := h.post(ctx, target.String(), e); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

func (h *HTTPEchoer) post(ctx context.Context, target string, e Echo) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(e.form().Encode()))
	if err != nil {
		return fmt.Errorf("build echo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "AegisCert-DLR/1.0")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("echo request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("listener returned http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	slog.DebugContext(ctx, "Delivery report echoed", slog.Int("http_status", resp.StatusCode))
	return nil
}
