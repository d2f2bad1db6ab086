package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"exchange-service/internal/bucketing"
	"exchange-service/internal/config"
	"exchange-service/internal/events"
	"exchange-service/internal/hashing"
	"exchange-service/internal/model"
	"exchange-service/internal/notify"
	"exchange-service/internal/repository"
	"exchange-service/internal/repository/memory"
	"exchange-service/internal/service"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to base+offset.
func (c *clock) Set(offset time.Duration) {
	c.mu.Lock()
	c.now = base.Add(offset)
	c.mu.Unlock()
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock    *clock
	store    *memory.ExchangeStore
	profiles *memory.ProfileRepository
	hub      *notify.Hub
	matcher  *service.PairingMatcher
	qr       *service.QRService
	profile  *service.ProfileService
}

func testConfig() *config.Config {
	return &config.Config{
		Bucketing: config.BucketingConfig{ProximityBuckets: 4096, UserBuckets: 64},
		Hashing:   config.HashingConfig{Pepper: "test-pepper"},
		Exchange: config.ExchangeConfig{
			StoreBackend:     config.StoreMemory,
			SessionTTL:       30 * time.Second,
			MatchWindow:      1500 * time.Millisecond,
			MaxClockSkew:     5 * time.Second,
			SweepInterval:    time.Second,
			SessionRetention: 2 * time.Minute,
			MatchTTL:         24 * time.Hour,
			QRGraceWindow:    2 * time.Minute,
			QRClaimScope:     config.ClaimScopePresentation,
		},
	}
}

func setupTestFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	return newFixture(t, nil, mutate...)
}

func newFixture(t *testing.T, dispatcher *events.Dispatcher, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := testConfig()
	for _, fn := range mutate {
		fn(cfg)
	}

	clk := &clock{now: base}
	logger := zaptest.NewLogger(t)

	store := memory.NewExchangeStore(repository.StoreOptions{
		SessionRetention: cfg.Exchange.SessionRetention,
		MatchTTL:         cfg.Exchange.MatchTTL,
	})
	store.NowTimeFunc = clk.Now
	profiles := memory.NewProfileRepository()
	hub := notify.NewHub()

	factory := service.NewServiceFactory(
		store,
		memory.NewShareTokenRepository(),
		profiles,
		hashing.NewHasher(cfg),
		bucketing.NewBucketingManager(cfg),
		hub,
		dispatcher,
		cfg.Exchange,
		logger,
	)

	f := &fixture{
		clock:    clk,
		store:    store,
		profiles: profiles,
		hub:      hub,
		matcher:  factory.PairingMatcher(),
		qr:       factory.QRService(),
		profile:  factory.ProfileService(),
	}
	f.matcher.NowTimeFunc = clk.Now
	f.qr.NowTimeFunc = clk.Now
	f.profile.NowTimeFunc = clk.Now
	return f
}

func (f *fixture) open(t *testing.T, id, owner string, category model.SharingCategory) *model.ExchangeSession {
	t.Helper()
	sess, err := f.matcher.OpenSession(context.Background(), service.OpenSessionRequest{
		SessionID:       id,
		OwnerUserID:     owner,
		SharingCategory: category,
	})
	require.NoError(t, err)
	return sess
}

// hit registers a hit stamped at base+at with the clock moved there too.
func (f *fixture) hit(t *testing.T, id string, at time.Duration, signal string) *model.ExchangeSession {
	t.Helper()
	f.clock.Set(at)
	sess, err := f.matcher.RegisterHit(context.Background(), service.HitRequest{
		SessionID:       id,
		Timestamp:       base.Add(at),
		ProximitySignal: signal,
	})
	require.NoError(t, err)
	return sess
}

func (f *fixture) state(t *testing.T, id string) *model.ExchangeSession {
	t.Helper()
	sess, err := f.matcher.GetSession(context.Background(), id)
	require.NoError(t, err)
	return sess
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
