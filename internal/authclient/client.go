package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultRefreshTimeout = 10 * time.Second

	csrfCookieName = "csrf_token"
	csrfHeaderName = "X-CSRF-Token"

	authPathPrefix = "/auth/"
)

var (
	// ErrAuthExpired wraps every error handed to callers after a failed
	// refresh exchange: the session is gone, a new login is required
	ErrAuthExpired = errors.New("authentication expired")

	ErrClosed = errors.New("auth client is closed")
)

type Config struct {
	// HTTP client to send requests with
	// A cookie jar is attached when the client has none
	HTTPClient *http.Client

	// Upper bound on a single refresh exchange
	// Without it a hung exchange would suspend callers forever
	RefreshTimeout time.Duration

	// Called exactly once per failed refresh exchange, before the
	// suspended callers are rejected. The place to drop local session
	// state and send the user to the login screen.
	OnAuthExpired func()
}

// Principal as the session endpoints report it
type Principal struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Role     string    `json:"role"`
	Active   bool      `json:"active"`
}

// Client wraps an http.Client with the session refresh protocol.
//
// A request that comes back with StatusUnauthorized is suspended while
// the client exchanges the refresh cookie for fresh credentials, then
// replayed once. Concurrent failures share a single exchange: the first
// one starts it, the rest queue behind it and replay in failure order
// when it settles. A failed exchange rejects every suspended caller
// with ErrAuthExpired.
//
// Requests that present their own Authorization header and requests to
// the auth endpoints themselves are passed through untouched.
type Client struct {
	base           *url.URL
	http           *http.Client
	refreshTimeout time.Duration
	onAuthExpired  func()

	calls     chan *call
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// A suspended caller waiting for the in-flight refresh to settle
type call struct {
	req    *http.Request
	result chan callResult
}

type callResult struct {
	resp *http.Response
	err  error
}

func New(baseURL string, cfg Config) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}

	if cfg.RefreshTimeout == 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}

	c := &Client{
		base:           base,
		http:           httpClient,
		refreshTimeout: cfg.RefreshTimeout,
		onAuthExpired:  cfg.OnAuthExpired,
		calls:          make(chan *call),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	go c.loop()

	return c, nil
}

// Close stops the coordinator and rejects suspended callers
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
}

// Do sends the request, recovering transparently from an expired
// access credential. State-changing requests get the anti-forgery
// header filled from the cookie jar.
//
// Exactly one retry: a request that fails again after a successful
// refresh is returned as is. Forbidden and every other status pass
// through untouched, only StatusUnauthorized enters the refresh path.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.setCSRF(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || !c.refreshable(req) {
		return resp, nil
	}

	// A consumed body that can not be rebuilt can not be replayed
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	t := &call{req: req, result: make(chan callResult, 1)}

	select {
	case c.calls <- t:
	case <-req.Context().Done():
		return nil, req.Context().Err()
	case <-c.quit:
		return nil, ErrClosed
	}

	select {
	case res := <-t.result:
		return res.resp, res.err
	case <-req.Context().Done():
		// The queued replay is skipped by the coordinator
		return nil, req.Context().Err()
	}
}

// Report whether a failed request may enter the refresh path.
// Requests with their own Authorization header carry an api key, the
// refresh protocol does not apply to them. The auth endpoints are the
// protocol itself: a failed login must surface, not recurse.
func (c *Client) refreshable(req *http.Request) bool {
	if req.Header.Get("Authorization") != "" {
		return false
	}

	return !strings.HasPrefix(req.URL.Path, authPathPrefix)
}

// Single coordinator goroutine: owns the idle/refreshing state and the
// FIFO queue of suspended callers, reachable only through channels
func (c *Client) loop() {
	defer close(c.done)

	var (
		refreshing bool
		queue      []*call
		settled    chan error
	)

	for {
		select {
		case t := <-c.calls:
			queue = append(queue, t)

			if !refreshing {
				refreshing = true
				settled = make(chan error, 1)
				go func() { settled <- c.refresh() }()
			}

		case err := <-settled:
			refreshing = false
			settled = nil

			pending := queue
			queue = nil

			if err != nil {
				if c.onAuthExpired != nil {
					c.onAuthExpired()
				}
				for _, t := range pending {
					t.result <- callResult{err: fmt.Errorf("%w: %w", ErrAuthExpired, err)}
				}
				continue
			}

			// Replay in the order the failures were observed
			for _, t := range pending {
				t.result <- c.replay(t.req)
			}

		case <-c.quit:
			for _, t := range queue {
				t.result <- callResult{err: ErrClosed}
			}
			return
		}
	}
}

// One refresh exchange. The jar picks up the rotated cookies from the
// response, nothing else has to be stored.
func (c *Client) refresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath("/auth/refresh").String(), nil)
	if err != nil {
		return fmt.Errorf("building refresh request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("refresh exchange: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh exchange rejected with status %d", resp.StatusCode)
	}

	return nil
}

// Replay the original request once with the fresh credentials.
// An abandoned caller is skipped, its request never repeats.
func (c *Client) replay(req *http.Request) callResult {
	if err := req.Context().Err(); err != nil {
		return callResult{err: err}
	}

	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return callResult{err: fmt.Errorf("rebuilding request body: %w", err)}
		}
		clone.Body = body
	}

	// The rotation replaced the anti-forgery token, re-read it
	c.setCSRF(clone)

	resp, err := c.http.Do(clone)
	return callResult{resp: resp, err: err}
}

// Fill the anti-forgery header from the cookie jar.
// Safe methods are exempt, the server does not check them.
func (c *Client) setCSRF(req *http.Request) {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return
	}

	for _, cookie := range c.http.Jar.Cookies(c.base) {
		if cookie.Name == csrfCookieName {
			req.Header.Set(csrfHeaderName, cookie.Value)
			return
		}
	}
}

// Login starts a session: the jar keeps the cookies, the caller gets
// the resolved principal
func (c *Client) Login(ctx context.Context, username string, password string) (Principal, error) {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return Principal{}, fmt.Errorf("encoding login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath("/auth/login").String(), bytes.NewReader(body))
	if err != nil {
		return Principal{}, fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Principal{}, fmt.Errorf("login request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Principal{}, fmt.Errorf("login rejected with status %d: %s", resp.StatusCode, readMessage(resp.Body))
	}

	var data struct {
		User Principal `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Principal{}, fmt.Errorf("decoding login response: %w", err)
	}

	return data.User, nil
}

// Logout ends the session server-side, the jar drops the cookies when
// the server expires them
func (c *Client) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath("/auth/logout").String(), nil)
	if err != nil {
		return fmt.Errorf("building logout request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("logout request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("logout rejected with status %d", resp.StatusCode)
	}

	return nil
}

// Pull the message out of a service error envelope, best effort
func readMessage(r io.Reader) string {
	var e struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r).Decode(&e); err != nil {
		return "unreadable error body"
	}
	return e.Message
}
