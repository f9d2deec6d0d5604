package autarco

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBaseURL = "https://my.autarco.com/api/"
	defaultTimeout = 10 * time.Second
	maxBodySize    = 1 << 20
)

// Client talks to the Autarco monitoring API. Every request is sent with the
// account credentials; the public key selects the site.
type Client struct {
	baseURL   string
	email     string
	password  string
	userAgent string
	timeout   time.Duration
	client    *http.Client
	logger    *zap.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient replaces the session. The client still owns it and closes its
// idle connections on Close. A nil client keeps the default one.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithTimeout bounds every request. It applies to a copy of the session, so a
// client given through WithHTTPClient is left untouched.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

func NewClient(email, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:   DefaultBaseURL,
		email:     email,
		password:  password,
		userAgent: "autarco2mqtt",
		client:    &http.Client{Timeout: defaultTimeout},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: defaultTimeout}
	}
	if c.timeout > 0 {
		session := *c.client
		session.Timeout = c.timeout
		c.client = &session
	}
	return c
}

type siteListResponse struct {
	Data []struct {
		PublicKey string `json:"public_key"`
	} `json:"data"`
}

// PublicKey exchanges the credentials for the public key of the first site of
// the account.
func (c *Client) PublicKey(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "site/")
	if err != nil {
		return "", err
	}
	var res siteListResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", parseError("site list: %v", err)
	}
	if len(res.Data) == 0 || res.Data[0].PublicKey == "" {
		return "", ErrNoSite
	}
	c.logger.Debug("autarco: public key resolved", zap.Int("sites", len(res.Data)))
	return res.Data[0].PublicKey, nil
}

func (c *Client) Account(ctx context.Context, publicKey string) (Account, error) {
	body, err := c.get(ctx, "site", publicKey+"/")
	if err != nil {
		return Account{}, err
	}
	return AccountFromJSON(body)
}

// Solar reads the KPI stats and the live power in parallel. If either request
// fails the whole call fails.
func (c *Client) Solar(ctx context.Context, publicKey string) (Solar, error) {
	var stats, power []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stats, err = c.get(gctx, "site", publicKey, "kpis", "solar")
		return err
	})
	g.Go(func() error {
		var err error
		power, err = c.get(gctx, "site", publicKey, "power")
		return err
	})
	if err := g.Wait(); err != nil {
		return Solar{}, err
	}
	return SolarFromJSON(stats, power)
}

type powerResponse struct {
	Inverters map[string]json.RawMessage `json:"inverters"`
}

// Inverters returns the inverters of the site keyed by serial number. Entries
// without a serial number are keyed by the key upstream uses for them.
func (c *Client) Inverters(ctx context.Context, publicKey string) (map[string]Inverter, error) {
	body, err := c.get(ctx, "site", publicKey, "power")
	if err != nil {
		return nil, err
	}
	var res powerResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, parseError("power: %v", err)
	}
	if res.Inverters == nil {
		return nil, parseError("power: missing inverters")
	}
	inverters := make(map[string]Inverter, len(res.Inverters))
	for key, fields := range res.Inverters {
		pair, err := json.Marshal([]json.RawMessage{mustMarshal(key), fields})
		if err != nil {
			return nil, parseError("inverter %s: %v", key, err)
		}
		inv, err := InverterFromJSON(pair)
		if err != nil {
			return nil, err
		}
		inverters[inv.SerialNumber.OrElse(key)] = inv
	}
	return inverters, nil
}

// Close releases the session. It can be called any number of times, also
// before any request was made.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.client.CloseIdleConnections()
		c.logger.Debug("autarco: session closed")
	})
	return nil
}

func (c *Client) get(ctx context.Context, elem ...string) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	req, err := c.newGetRequest(ctx, elem...)
	if err != nil {
		return nil, fmt.Errorf("autarco: build request: %v: %w", err, ErrConnection)
	}
	return c.doRequest(req)
}

func (c *Client) newGetRequest(ctx context.Context, elem ...string) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u = u.JoinPath(elem...)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.email, c.password)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	path := req.URL.Path
	start := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w: %w", path, err, ErrConnection)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("autarco: response",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("GET %s: status %d: %w", path, resp.StatusCode, ErrAuth)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Path: path, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %v: %w", path, err, ErrConnection)
	}
	return body, nil
}

// StatusError is a non-2xx response other than an authentication failure.
type StatusError struct {
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status code %d", e.Path, e.StatusCode)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrConnection
}

func mustMarshal(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
