package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"callconsole/internal/sessions"
	"callconsole/pkg/logger"
)

var (
	// ErrNotFound means the relay does not know the call code.
	ErrNotFound = errors.New("relay: call session not found")
	// ErrRejected means the relay refused the request as invalid (4xx).
	ErrRejected = errors.New("relay: request rejected")
	// ErrTransport covers network failures, 5xx responses and undecodable bodies.
	// Callers treat it as transient.
	ErrTransport = errors.New("relay: transport failure")
)

// APIError carries the relay's status and error message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay: http %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status >= 400 && e.Status < 500:
		return ErrRejected
	default:
		return ErrTransport
	}
}

// Client talks to the signaling relay over its JSON request/response API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = logger.OrDefault(l) }
}

// NewClient returns a client for the relay rooted at baseURL
// (for example http://localhost:8080). token, when set, is sent as a bearer.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Create(ctx context.Context, dialedNumber string) (sessions.Session, error) {
	var out sessions.Session
	err := c.do(ctx, http.MethodPost, "/sessions", map[string]any{"dialed_number": dialedNumber}, &out)
	return out, err
}

func (c *Client) Fetch(ctx context.Context, code string) (sessions.Session, error) {
	var out sessions.Session
	err := c.do(ctx, http.MethodGet, sessionPath(code, ""), nil, &out)
	return out, err
}

func (c *Client) ApplyOffer(ctx context.Context, code string, offer sessions.Description, dialedNumber string) (sessions.Session, error) {
	body := map[string]any{"offer": offer}
	if dialedNumber != "" {
		body["dialed_number"] = dialedNumber
	}
	var out sessions.Session
	err := c.do(ctx, http.MethodPost, sessionPath(code, "offer"), body, &out)
	return out, err
}

func (c *Client) ApplyAnswer(ctx context.Context, code string, answer sessions.Description) (sessions.Session, error) {
	var out sessions.Session
	err := c.do(ctx, http.MethodPost, sessionPath(code, "answer"), map[string]any{"answer": answer}, &out)
	return out, err
}

func (c *Client) AppendCandidate(ctx context.Context, code string, role sessions.Role, cand sessions.Candidate) (int, error) {
	var out struct {
		Received bool `json:"received"`
		Count    int  `json:"count"`
	}
	err := c.do(ctx, http.MethodPost, sessionPath(code, "candidate"), map[string]any{"role": role, "candidate": cand}, &out)
	return out.Count, err
}

func (c *Client) SetStatus(ctx context.Context, code, status string) (sessions.Session, error) {
	var out sessions.Session
	err := c.do(ctx, http.MethodPost, sessionPath(code, "status"), map[string]any{"status": status}, &out)
	return out, err
}

func sessionPath(code, action string) string {
	p := "/sessions/" + url.PathEscape(sessions.NormalizeCode(code))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("relay: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("relay: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	if res.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &e)
		if e.Error == "" {
			e.Error = http.StatusText(res.StatusCode)
		}
		return &APIError{Status: res.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrTransport, path, err)
	}
	return nil
}
