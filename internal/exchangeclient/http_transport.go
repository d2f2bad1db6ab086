package exchangeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"exchange-service/internal/model"
)

const defaultRequestTimeout = 10 * time.Second

// HTTPTransport talks to the exchange REST API and its websocket push
// channel.
type HTTPTransport struct {
	baseURL     *url.URL
	httpClient  *http.Client
	dialer      *websocket.Dialer
	accessToken string
}

type HTTPOption func(*HTTPTransport)

// WithAccessToken authenticates every request with a bearer token.
func WithAccessToken(token string) HTTPOption {
	return func(t *HTTPTransport) { t.accessToken = token }
}

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.httpClient = c }
}

func NewHTTPTransport(baseURL string, opts ...HTTPOption) (*HTTPTransport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme %q", u.Scheme)
	}
	t := &HTTPTransport{
		baseURL:    u,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultRequestTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

type openSessionResponse struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
	QRToken   string    `json:"qrToken"`
}

type hitResponse struct {
	State model.SessionState `json:"state"`
	Match *model.MatchRef    `json:"match"`
}

func (t *HTTPTransport) OpenSession(ctx context.Context, sessionID string, category model.SharingCategory) (*OpenedSession, error) {
	body := map[string]string{"sessionId": sessionID, "sharingCategory": string(category)}
	var resp openSessionResponse
	if err := t.do(ctx, http.MethodPost, "/exchange/session", body, &resp); err != nil {
		return nil, err
	}
	return &OpenedSession{SessionID: resp.SessionID, ExpiresAt: resp.ExpiresAt, QRToken: resp.QRToken}, nil
}

func (t *HTTPTransport) RegisterHit(ctx context.Context, sessionID string, at time.Time, proximitySignal string) (model.SessionView, error) {
	body := map[string]interface{}{"timestamp": at.UnixMilli()}
	if proximitySignal != "" {
		body["proximitySignal"] = proximitySignal
	}
	var resp hitResponse
	if err := t.do(ctx, http.MethodPost, "/exchange/session/"+url.PathEscape(sessionID)+"/hit", body, &resp); err != nil {
		return model.SessionView{}, err
	}
	return model.SessionView{SessionID: sessionID, State: resp.State, Match: resp.Match}, nil
}

func (t *HTTPTransport) GetSession(ctx context.Context, sessionID string) (model.SessionView, error) {
	var view model.SessionView
	err := t.do(ctx, http.MethodGet, "/exchange/session/"+url.PathEscape(sessionID), nil, &view)
	return view, err
}

func (t *HTTPTransport) CloseSession(ctx context.Context, sessionID string) error {
	return t.do(ctx, http.MethodDelete, "/exchange/session/"+url.PathEscape(sessionID), nil, nil)
}

func (t *HTTPTransport) RedeemQR(ctx context.Context, qrToken string, category model.SharingCategory) (string, error) {
	var resp struct {
		MatchToken string `json:"matchToken"`
	}
	body := map[string]string{"sharingCategory": string(category)}
	if err := t.do(ctx, http.MethodPost, "/exchange/qr/"+url.PathEscape(qrToken)+"/redeem", body, &resp); err != nil {
		return "", err
	}
	return resp.MatchToken, nil
}

// IssueQR creates a new share token for the authenticated user.
func (t *HTTPTransport) IssueQR(ctx context.Context, category model.SharingCategory) (string, error) {
	var resp struct {
		QRToken string `json:"qrToken"`
	}
	body := map[string]string{"sharingCategory": string(category)}
	if err := t.do(ctx, http.MethodPost, "/exchange/qr", body, &resp); err != nil {
		return "", err
	}
	return resp.QRToken, nil
}

// Pair fetches the counterpart profile of a match.
func (t *HTTPTransport) Pair(ctx context.Context, matchToken, sessionID string) (*model.Profile, error) {
	path := "/exchange/pair/" + url.PathEscape(matchToken)
	if sessionID != "" {
		path += "?sessionId=" + url.QueryEscape(sessionID)
	}
	var profile model.Profile
	if err := t.do(ctx, http.MethodGet, path, nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// Watch dials the session's websocket stream.
func (t *HTTPTransport) Watch(ctx context.Context, sessionID string) (<-chan model.SessionView, error) {
	u := *t.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/exchange/session/" + url.PathEscape(sessionID) + "/stream"

	header := http.Header{}
	if t.accessToken != "" {
		header.Set("Authorization", "Bearer "+t.accessToken)
	}
	conn, resp, err := t.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open session stream: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to open session stream: %w", err)
	}

	out := make(chan model.SessionView)
	go func() {
		<-ctx.Done()
		// Unblocks the reader below.
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var view model.SessionView
			if err := conn.ReadJSON(&view); err != nil {
				return
			}
			select {
			case out <- view:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.accessToken)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: failed to decode response (status %d): %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		return statusError(resp.StatusCode, env)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s %s: failed to decode data: %w", method, path, err)
	}
	return nil
}

func statusError(status int, env envelope) error {
	switch {
	case status == http.StatusConflict && env.Code == "already_scanned":
		return ErrAlreadyScanned
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, env.Error)
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthenticated, env.Error)
	}
	return &ServerError{Status: status, Code: env.Code, Message: env.Error}
}
