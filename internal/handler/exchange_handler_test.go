package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"exchange-service/internal/auth"
	"exchange-service/internal/bucketing"
	"exchange-service/internal/config"
	"exchange-service/internal/handler"
	"exchange-service/internal/hashing"
	"exchange-service/internal/model"
	"exchange-service/internal/notify"
	"exchange-service/internal/repository"
	"exchange-service/internal/repository/memory"
	"exchange-service/internal/service"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type denyLimiter struct{}

func (denyLimiter) SlidingWindowRateLimit(context.Context, string, int, time.Duration) (bool, int, error) {
	return false, 1000, nil
}

type fixture struct {
	server   *httptest.Server
	tokens   *auth.TokenManager
	profiles *memory.ProfileRepository
}

func setupTestFixture(t *testing.T, limiter handler.RateLimiter) *fixture {
	t.Helper()
	cfg := &config.Config{
		ServiceName: "exchange-service",
		Server:      config.ServerConfig{AllowedOrigins: []string{"*"}},
		Bucketing:   config.BucketingConfig{ProximityBuckets: 4096, UserBuckets: 64},
		Hashing:     config.HashingConfig{Pepper: "test-pepper"},
		Auth:        config.AuthConfig{JWTSecret: "test-secret", Issuer: "exchange-test", AccessTokenTTL: time.Hour},
		Exchange: config.ExchangeConfig{
			StoreBackend:       config.StoreMemory,
			SessionTTL:         30 * time.Second,
			MatchWindow:        1500 * time.Millisecond,
			MaxClockSkew:       5 * time.Second,
			SweepInterval:      time.Second,
			SessionRetention:   2 * time.Minute,
			MatchTTL:           time.Hour,
			QRGraceWindow:      2 * time.Minute,
			QRClaimScope:       config.ClaimScopePresentation,
			RateLimitPerMinute: 10,
		},
	}
	logger := zaptest.NewLogger(t)

	store := memory.NewExchangeStore(repository.StoreOptions{
		SessionRetention: cfg.Exchange.SessionRetention,
		MatchTTL:         cfg.Exchange.MatchTTL,
	})
	profiles := memory.NewProfileRepository()
	hub := notify.NewHub()
	services := service.NewServiceFactory(
		store,
		memory.NewShareTokenRepository(),
		profiles,
		hashing.NewHasher(cfg),
		bucketing.NewBucketingManager(cfg),
		hub,
		nil,
		cfg.Exchange,
		logger,
	)
	tokens := auth.NewTokenManager(cfg.Auth)

	router := handler.NewRouter(cfg, handler.RouterDeps{
		Exchange: handler.NewExchangeHandler(services, logger),
		Stream:   handler.NewSessionStream(services.PairingMatcher(), hub, logger),
		Tokens:   tokens,
		Limiter:  limiter,
	}, logger)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &fixture{server: srv, tokens: tokens, profiles: profiles}
}

func (f *fixture) bearer(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.tokens.GenerateAccessToken(userID)
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body interface{}) (int, envelope) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (f *fixture) saveProfile(t *testing.T, userID, name string) {
	t.Helper()
	require.NoError(t, f.profiles.UpsertProfile(context.Background(), &model.Profile{
		UserID: userID,
		Name:   name,
		Entries: []model.ContactEntry{
			{Field: "email", Value: name + "@example.com", Section: model.SectionUniversal},
			{Field: "phone", Value: "+1-555-0100", Section: model.SectionPersonal},
			{Field: "company", Value: "Acme", Section: model.SectionWork},
		},
	}))
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestOpenSession_Anonymous(t *testing.T) {
	f := setupTestFixture(t, nil)

	status, env := f.do(t, http.MethodPost, "/exchange/session", "", map[string]string{"sessionId": "session-anon"})
	require.Equal(t, http.StatusCreated, status)
	require.True(t, env.Success)

	resp := decode[handler.OpenSessionResponse](t, env)
	assert.Equal(t, "session-anon", resp.SessionID)
	assert.Equal(t, model.StateWaitingForBump, resp.State)
	assert.Empty(t, resp.QRToken)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	status, env = f.do(t, http.MethodPost, "/exchange/session", "", map[string]string{"sessionId": "session-anon"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, handler.CodeConflict, env.Code)
}

func TestOpenSession_RejectsBadToken(t *testing.T) {
	f := setupTestFixture(t, nil)

	status, env := f.do(t, http.MethodPost, "/exchange/session", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, handler.CodeUnauthorized, env.Code)
}

func TestBumpFlow_PairsBothDevices(t *testing.T) {
	f := setupTestFixture(t, nil)
	alice, bob := f.bearer(t, "user-alice"), f.bearer(t, "user-bob")
	f.saveProfile(t, "user-alice", "alice")
	f.saveProfile(t, "user-bob", "bob")

	status, _ := f.do(t, http.MethodPost, "/exchange/session", alice, map[string]string{"sessionId": "session-alice", "sharingCategory": "work"})
	require.Equal(t, http.StatusCreated, status)
	status, _ = f.do(t, http.MethodPost, "/exchange/session", bob, map[string]string{"sessionId": "session-bob"})
	require.Equal(t, http.StatusCreated, status)

	now := time.Now().UnixMilli()
	status, env := f.do(t, http.MethodPost, "/exchange/session/session-alice/hit", "", handler.HitRequest{Timestamp: now, ProximitySignal: "cell-42"})
	require.Equal(t, http.StatusOK, status)
	first := decode[handler.HitResponse](t, env)
	assert.Equal(t, model.StateWaitingForBump, first.State)
	assert.Nil(t, first.Match)

	status, env = f.do(t, http.MethodPost, "/exchange/session/session-bob/hit", "", handler.HitRequest{Timestamp: now + 300, ProximitySignal: "cell-42"})
	require.Equal(t, http.StatusOK, status)
	second := decode[handler.HitResponse](t, env)
	require.Equal(t, model.StateMatched, second.State)
	require.NotNil(t, second.Match)

	status, env = f.do(t, http.MethodGet, "/exchange/session/session-alice", "", nil)
	require.Equal(t, http.StatusOK, status)
	view := decode[model.SessionView](t, env)
	assert.Equal(t, model.StateMatched, view.State)
	require.NotNil(t, view.Match)
	assert.Equal(t, second.Match.Token, view.Match.Token)

	status, env = f.do(t, http.MethodGet, "/exchange/pair/"+view.Match.Token, "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, handler.CodeUnauthorized, env.Code)

	status, env = f.do(t, http.MethodGet, "/exchange/pair/"+view.Match.Token, bob, nil)
	require.Equal(t, http.StatusOK, status)
	profile := decode[model.Profile](t, env)
	assert.Equal(t, "alice", profile.Name)
	// Alice shares Work, so only universal and work entries come through.
	assert.Len(t, profile.Entries, 2)

	status, env = f.do(t, http.MethodGet, "/exchange/preview/"+view.Match.Token+"?sessionId=session-bob", "", nil)
	require.Equal(t, http.StatusOK, status)
	preview := decode[model.ProfilePreview](t, env)
	assert.Equal(t, "alice", preview.Name)
	assert.Equal(t, model.CategoryWork, preview.SharingCategory)

	status, env = f.do(t, http.MethodGet, "/exchange/pair/"+view.Match.Token, f.bearer(t, "user-mallory"), nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, handler.CodeAlreadyScanned, env.Code)
}

func TestQRFlow_SecondScannerGetsAlreadyScanned(t *testing.T) {
	f := setupTestFixture(t, nil)
	alice := f.bearer(t, "user-alice")

	status, env := f.do(t, http.MethodPost, "/exchange/session", alice, map[string]string{"sessionId": "session-alice"})
	require.Equal(t, http.StatusCreated, status)
	opened := decode[handler.OpenSessionResponse](t, env)
	require.NotEmpty(t, opened.QRToken)

	redeemPath := "/exchange/qr/" + opened.QRToken + "/redeem"
	status, env = f.do(t, http.MethodPost, redeemPath, f.bearer(t, "user-bob"), handler.RedeemRequest{SharingCategory: "Personal"})
	require.Equal(t, http.StatusOK, status)
	redeemed := decode[handler.RedeemResponse](t, env)
	assert.NotEmpty(t, redeemed.MatchToken)

	status, env = f.do(t, http.MethodPost, redeemPath, f.bearer(t, "user-bob"), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, redeemed.MatchToken, decode[handler.RedeemResponse](t, env).MatchToken)

	status, env = f.do(t, http.MethodPost, redeemPath, f.bearer(t, "user-carol"), nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, handler.CodeAlreadyScanned, env.Code)

	status, env = f.do(t, http.MethodGet, "/exchange/session/session-alice", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.StateQRScanMatched, decode[model.SessionView](t, env).State)

	status, env = f.do(t, http.MethodPost, redeemPath, alice, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, handler.CodeInvalidInput, env.Code)
}

func TestIssueQR_RequiresAuth(t *testing.T) {
	f := setupTestFixture(t, nil)

	status, _ := f.do(t, http.MethodPost, "/exchange/qr", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, env := f.do(t, http.MethodPost, "/exchange/qr", f.bearer(t, "user-alice"), handler.IssueQRRequest{SharingCategory: "Work"})
	require.Equal(t, http.StatusCreated, status)
	issued := decode[handler.IssueQRResponse](t, env)
	assert.NotEmpty(t, issued.QRToken)
	assert.Equal(t, model.CategoryWork, issued.SharingCategory)

	status, env = f.do(t, http.MethodPost, "/exchange/qr", f.bearer(t, "user-alice"), handler.IssueQRRequest{SharingCategory: "family"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, handler.CodeInvalidInput, env.Code)
}

func TestUnknownSessionAndToken(t *testing.T) {
	f := setupTestFixture(t, nil)

	status, env := f.do(t, http.MethodGet, "/exchange/session/session-missing", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, handler.CodeNotFound, env.Code)

	status, env = f.do(t, http.MethodPost, "/exchange/session/session-missing/hit", "", handler.HitRequest{})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, handler.CodeNotFound, env.Code)

	status, env = f.do(t, http.MethodGet, "/exchange/pair/no-such-token", f.bearer(t, "user-bob"), nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, handler.CodeNotFound, env.Code)

	status, env = f.do(t, http.MethodPost, "/exchange/qr/no-such-token/redeem", f.bearer(t, "user-bob"), nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, handler.CodeNotFound, env.Code)
}

func TestCloseSession_AlwaysOK(t *testing.T) {
	f := setupTestFixture(t, nil)

	status, env := f.do(t, http.MethodDelete, "/exchange/session/session-missing", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)

	status, _ = f.do(t, http.MethodPost, "/exchange/session", "", map[string]string{"sessionId": "session-close"})
	require.Equal(t, http.StatusCreated, status)

	for range 2 {
		status, _ = f.do(t, http.MethodDelete, "/exchange/session/session-close", "", nil)
		assert.Equal(t, http.StatusOK, status)
	}

	status, env = f.do(t, http.MethodGet, "/exchange/session/session-close", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.StateError, decode[model.SessionView](t, env).State)
}

func TestProfile_UpsertAndGet(t *testing.T) {
	f := setupTestFixture(t, nil)
	alice := f.bearer(t, "user-alice")

	status, env := f.do(t, http.MethodPut, "/exchange/profile", alice, model.Profile{
		Name: "Alice",
		Entries: []model.ContactEntry{
			{Field: "email", Value: "alice@example.com", Section: model.SectionUniversal},
		},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "user-alice", decode[model.Profile](t, env).UserID)

	status, env = f.do(t, http.MethodGet, "/exchange/profile", alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Alice", decode[model.Profile](t, env).Name)
}

func TestRateLimit_Rejects(t *testing.T) {
	f := setupTestFixture(t, denyLimiter{})

	status, env := f.do(t, http.MethodPost, "/exchange/session", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, handler.CodeRateLimited, env.Code)

	// Reads are not limited.
	status, _ = f.do(t, http.MethodGet, "/exchange/session/session-missing", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSessionStream_PushesUntilTerminal(t *testing.T) {
	f := setupTestFixture(t, nil)

	status, _ := f.do(t, http.MethodPost, "/exchange/session", "", map[string]string{"sessionId": "session-stream"})
	require.Equal(t, http.StatusCreated, status)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/exchange/session/session-stream/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var view model.SessionView
	require.NoError(t, conn.ReadJSON(&view))
	assert.Equal(t, model.StateWaitingForBump, view.State)

	status, _ = f.do(t, http.MethodDelete, "/exchange/session/session-stream", "", nil)
	require.Equal(t, http.StatusOK, status)

	require.NoError(t, conn.ReadJSON(&view))
	assert.Equal(t, model.StateError, view.State)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}

func TestSessionStream_UnknownSession(t *testing.T) {
	f := setupTestFixture(t, nil)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/exchange/session/session-missing/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
