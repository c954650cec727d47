// Package ledger is the client for the ledger's HTTP gateway.
//
// Writes go through Invoke (POST /invoke) and reads through Query
// (GET /query). Both carry the same four logical fields: channelid,
// chaincodeid, function and args, where args is a JSON array of strings.
// The client never retries; retry policy lives in the consistency package
// and in queue redelivery.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/observability/metrics"
	"github.com/drfirst/go-rxledger/pkg/circuitbreaker"
)

// maxResponseBytes bounds how much of a gateway reply is read.
const maxResponseBytes = 8 << 20

var (
	// ErrGatewayUnreachable covers connection-level failures and an open circuit.
	ErrGatewayUnreachable = errors.New("ledger gateway unreachable")
	// ErrGatewayRejected is returned for non-2xx gateway replies.
	ErrGatewayRejected = errors.New("ledger gateway rejected request")
)

// RejectedError carries the status and body of a non-2xx reply.
type RejectedError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s returned HTTP %d: %s", ErrGatewayRejected, e.Op, e.StatusCode, truncate(e.Body, 200))
}

func (e *RejectedError) Unwrap() error { return ErrGatewayRejected }

// Config holds gateway client configuration
type Config struct {
	// BaseURL is the gateway root, e.g. http://localhost:4000
	BaseURL string
	// Channel and Chaincode select the ledger program every call targets
	Channel   string
	Chaincode string
	// Timeout bounds every HTTP request and must stay below the queue
	// redelivery delay
	Timeout time.Duration
}

// DefaultConfig returns development defaults
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://localhost:4000",
		Channel:   "mychannel",
		Chaincode: "basic",
		Timeout:   10 * time.Second,
	}
}

// InvokeResult is the outcome of a successful write.
type InvokeResult struct {
	Raw string
	// TxID is empty when the response carried no transaction identifier
	TxID string
}

// Client talks to the ledger gateway
type Client struct {
	config  Config
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// Option customises a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records gateway calls on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithBreaker overrides the circuit breaker configuration
func WithBreaker(cfg circuitbreaker.Config) Option {
	return func(c *Client) {
		cb, err := newBreaker(cfg, c.logger, c.metrics)
		if err == nil {
			c.breaker = cb
		}
	}
}

// NewClient creates a gateway client
func NewClient(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("gateway base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		tracer: otel.Tracer("ledger-gateway"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.breaker == nil {
		cb, err := newBreaker(circuitbreaker.DefaultConfig("ledger-gateway"), logger, c.metrics)
		if err != nil {
			return nil, fmt.Errorf("create circuit breaker: %w", err)
		}
		c.breaker = cb
	}
	return c, nil
}

func newBreaker(cfg circuitbreaker.Config, logger *zap.Logger, m *metrics.Metrics) (*circuitbreaker.CircuitBreaker, error) {
	cfg.IsFailure = isGatewayFailure
	cfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.ObserveBreaker(name, to.Gauge())
	}
	return circuitbreaker.New(cfg, logger)
}

func isGatewayFailure(err error) bool {
	return errors.Is(err, ErrGatewayUnreachable) || errors.Is(err, ErrGatewayRejected)
}

// JSONArg encodes a structured chaincode argument as a single string arg.
func JSONArg(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode chaincode argument: %w", err)
	}
	return string(b), nil
}

func (c *Client) fields(fn string, args []string) (url.Values, error) {
	if args == nil {
		args = []string{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	v := url.Values{}
	v.Set("channelid", c.config.Channel)
	v.Set("chaincodeid", c.config.Chaincode)
	v.Set("function", fn)
	v.Set("args", string(encoded))
	return v, nil
}

// Invoke submits a write to the ledger.
func (c *Client) Invoke(ctx context.Context, fn string, args ...string) (*InvokeResult, error) {
	ctx, span := c.tracer.Start(ctx, "ledger_invoke",
		trace.WithAttributes(
			attribute.String("function", fn),
			attribute.String("channel", c.config.Channel),
			attribute.String("chaincode", c.config.Chaincode),
		))
	defer span.End()

	form, err := c.fields(fn, args)
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, "invoke", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/invoke", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := &InvokeResult{Raw: body, TxID: ExtractTxID(body)}
	span.SetAttributes(attribute.String("tx_id", result.TxID))
	if result.TxID == "" {
		c.logger.Warn("invoke response carried no transaction id",
			zap.String("function", fn),
			zap.String("response", truncate(body, 200)))
	}
	return result, nil
}

// Query reads from the ledger and classifies the reply.
func (c *Client) Query(ctx context.Context, fn string, args ...string) (*QueryResult, error) {
	ctx, span := c.tracer.Start(ctx, "ledger_query",
		trace.WithAttributes(attribute.String("function", fn)))
	defer span.End()

	params, err := c.fields(fn, args)
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, "query", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/query?"+params.Encode(), nil)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := Classify(body)
	span.SetAttributes(attribute.String("classification", result.Kind.String()))
	return result, nil
}

// Health probes GET /health. It bypasses the breaker so readiness reflects
// the gateway itself.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode != http.StatusOK {
		return &RejectedError{Op: "health", StatusCode: resp.StatusCode}
	}
	return nil
}

// Breaker exposes the gateway circuit breaker for readiness reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

func (c *Client) do(ctx context.Context, op string, build func() (*http.Request, error)) (string, error) {
	start := time.Now()

	out, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		req, err := build()
		if err != nil {
			return "", err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrGatewayUnreachable, op, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return "", fmt.Errorf("%w: %s: read body: %v", ErrGatewayUnreachable, op, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return "", &RejectedError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
		}
		return string(raw), nil
	})

	result := "ok"
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		result = "circuit_open"
		err = fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	case errors.Is(err, ErrGatewayUnreachable):
		result = "unreachable"
	case errors.Is(err, ErrGatewayRejected):
		result = "rejected"
	case err != nil:
		result = "error"
	}
	c.metrics.ObserveGateway(op, result, time.Since(start))

	if err != nil {
		c.logger.Debug("gateway call failed", zap.String("op", op), zap.Error(err))
		return "", err
	}
	body, _ := out.(string)
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
