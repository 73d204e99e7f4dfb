package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

type Config struct {
	BaseURL     string
	SecretKey   string
	CallbackURL string // used when a request carries none
	Channels    []string

	InitTimeout   time.Duration
	VerifyTimeout time.Duration

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	FailureThreshold uint32        // consecutive failures before the breaker opens
	OpenTimeout      time.Duration // how long it stays open before a trial call
}

func (c *Config) setDefaults() {
	if len(c.Channels) == 0 {
		c.Channels = DefaultChannels
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 10 * time.Second
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
}

// Observer receives call outcomes; metrics.GatewayMetrics implements it.
type Observer interface {
	ObserveGatewayCall(op, outcome string, d time.Duration)
	BreakerStateChanged(to string)
}

type nopObserver struct{}

func (nopObserver) ObserveGatewayCall(string, string, time.Duration) {}
func (nopObserver) BreakerStateChanged(string)                       {}

// Client talks to a Paystack-style gateway.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	obs     Observer
	log     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }
func WithObserver(o Observer) Option        { return func(c *Client) { c.obs = o } }
func WithLogger(l zerolog.Logger) Option    { return func(c *Client) { c.log = l } }

func NewClient(cfg Config, opts ...Option) *Client {
	cfg.setDefaults()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:  cfg,
		http: &http.Client{},
		obs:  nopObserver{},
		log:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// a refusal is a healthy gateway answering
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrGatewayRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			c.obs.BreakerStateChanged(to.String())
		},
	})
	return c
}

// BreakerState is "closed", "open" or "half-open".
func (c *Client) BreakerState() string { return c.breaker.State().String() }

// Initialize opens a payment session. Attempts go through the circuit
// breaker and are retried with exponential backoff on transient failures.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (*Session, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrGatewayRejected)
	}
	if strings.TrimSpace(req.Currency) == "" {
		return nil, fmt.Errorf("%w: currency is required", ErrGatewayRejected)
	}
	body := initializeBody{
		Amount:      MinorUnits(req.Amount),
		Email:       req.Email,
		Currency:    strings.ToUpper(strings.TrimSpace(req.Currency)),
		Reference:   "ORDER-" + uuid.NewString(),
		CallbackURL: req.CallbackURL,
		Channels:    c.cfg.Channels,
	}
	if body.Email == "" {
		body.Email = defaultEmail
	}
	if body.CallbackURL == "" {
		body.CallbackURL = c.cfg.CallbackURL
	}

	start := time.Now()
	var session *Session
	attempt := 0
	op := func() error {
		attempt++
		res, err := c.breaker.Execute(func() (any, error) {
			return c.doInitialize(ctx, body)
		})
		switch {
		case err == nil:
			session = res.(*Session)
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%w: circuit %s", ErrPaymentServiceUnavailable, c.breaker.State()))
		case errors.Is(err, ErrGatewayRejected), ctx.Err() != nil:
			return backoff.Permanent(err)
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Str("reference", body.Reference).Msg("payment initialize attempt failed")
		return err
	}

	var b backoff.BackOff = c.newBackOff()
	b = backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	if err := backoff.Retry(op, b); err != nil {
		outcome := "unavailable"
		if errors.Is(err, ErrGatewayRejected) {
			outcome = "rejected"
		} else if !errors.Is(err, ErrPaymentServiceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrPaymentServiceUnavailable, err)
		}
		c.obs.ObserveGatewayCall("initialize", outcome, time.Since(start))
		c.log.Error().Err(err).Int("attempts", attempt).Str("reference", body.Reference).Msg("payment initialize failed")
		return nil, err
	}

	c.obs.ObserveGatewayCall("initialize", "success", time.Since(start))
	c.log.Info().Str("reference", session.Reference).Int64("amount", body.Amount).Str("currency", body.Currency).Msg("payment initialized")
	return session, nil
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // bounded by attempts and ctx
	return b
}

func (c *Client) doInitialize(ctx context.Context, body initializeBody) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.InitTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/transaction/initialize", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("initialize request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("initialize read body: %w", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("initialize: gateway status %d", resp.StatusCode)
	}

	var out initializeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("%w: status %d", ErrGatewayRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("initialize decode: %w", err)
	}
	if resp.StatusCode >= 400 || !out.Status || out.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrGatewayRejected, out.Message)
	}
	return &Session{
		AuthorizationURL: out.Data.AuthorizationURL,
		AccessCode:       out.Data.AccessCode,
		Reference:        out.Data.Reference,
	}, nil
}

// Verify asks the gateway whether the transaction succeeded. A definitive
// answer comes back with a nil error; a transport or auth problem is
// ErrPaymentVerificationUndetermined. Not retried: callers choose when to
// verify again.
func (c *Client) Verify(ctx context.Context, reference string) (Verification, error) {
	start := time.Now()
	v, err := c.verify(ctx, reference)
	switch {
	case err != nil:
		c.obs.ObserveGatewayCall("verify", "undetermined", time.Since(start))
		c.log.Warn().Err(err).Str("reference", reference).Msg("payment verification undetermined")
	case v.Paid:
		c.obs.ObserveGatewayCall("verify", "success", time.Since(start))
	default:
		c.obs.ObserveGatewayCall("verify", "failed", time.Since(start))
	}
	return v, err
}

func (c *Client) verify(ctx context.Context, reference string) (Verification, error) {
	v := Verification{Reference: reference}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.VerifyTimeout)
	defer cancel()

	endpoint := c.cfg.BaseURL + "/transaction/verify/" + url.PathEscape(reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return v, fmt.Errorf("%w: %w", ErrPaymentVerificationUndetermined, err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return v, fmt.Errorf("%w: %w", ErrPaymentVerificationUndetermined, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return v, fmt.Errorf("%w: gateway status %d", ErrPaymentVerificationUndetermined, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		// kunci salah/rotasi bukan berarti transaksi gagal
		c.log.Error().Int("status", resp.StatusCode).Msg("payment gateway rejected credentials")
		return v, fmt.Errorf("%w: gateway status %d", ErrPaymentVerificationUndetermined, resp.StatusCode)
	case resp.StatusCode >= 400:
		c.log.Warn().Int("status", resp.StatusCode).Str("reference", reference).Msg("payment verification refused by gateway")
		return v, nil
	}

	var out verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return v, fmt.Errorf("%w: decode: %w", ErrPaymentVerificationUndetermined, err)
	}
	v.Paid = out.Status && strings.EqualFold(out.Data.Status, "success")
	v.Amount = out.Data.Amount
	v.Currency = strings.ToUpper(out.Data.Currency)
	if out.Data.Reference != "" {
		v.Reference = out.Data.Reference
	}
	if v.Paid {
		c.log.Info().Str("reference", reference).Str("channel", out.Data.Channel).Int64("amount", v.Amount).Msg("payment verified")
	} else {
		c.log.Warn().Str("reference", reference).Str("status", out.Data.Status).Str("gateway_response", out.Data.GatewayResponse).Msg("payment not successful")
	}
	return v, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)
	req.Header.Set("Accept", "application/json")
}
