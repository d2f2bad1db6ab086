package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"exchange-service/internal/client"
	"exchange-service/internal/model"
	"exchange-service/internal/repository"
	"exchange-service/internal/util"
)

const (
	sessionPrefix     = "exchange:session:"
	matchPrefix       = "exchange:match:"
	redeemersSuffix   = ":redeemers"
	ownerOpenPrefix   = "exchange:owner_open:"
	qrClaimPrefix     = "exchange:qr_claim:"
	hitIndexKey       = "exchange:hits"
	expiryIndexKey    = "exchange:expiry"
	hitSequenceKey    = "exchange:hitseq"
	storeCallTimeout  = 5 * time.Second
	candidateScanSize = 256
)

var _ repository.ExchangeStore = (*ExchangeStore)(nil)

// ExchangeStore keeps sessions as hashes with TTL and indexes waiting
// sessions in two sorted sets: by hit time for candidate search and by
// expiresAt for the sweeper.
type ExchangeStore struct {
	client *client.RedisClient
	opts   repository.StoreOptions

	// CandidateScanSize caps each side of a candidate scan.
	CandidateScanSize int64
}

func NewExchangeStore(client *client.RedisClient, opts repository.StoreOptions) *ExchangeStore {
	return &ExchangeStore{client: client, opts: opts, CandidateScanSize: candidateScanSize}
}

func (c *ExchangeStore) CreateSession(ctx context.Context, session *model.ExchangeSession) error {
	ctx, cancel := c.client.WithContext(ctx, storeCallTimeout)
	defer cancel()

	keyTTL := session.ExpiresAt.Sub(session.CreatedAt) + c.opts.SessionRetention
	res, err := c.client.RunScript(ctx, createSessionScript,
		[]string{sessionPrefix + session.SessionID, expiryIndexKey, ownerOpenPrefix + session.OwnerUserID},
		session.SessionID,
		session.OwnerUserID,
		string(session.SharingCategory),
		session.CreatedAt.UnixMilli(),
		session.ExpiresAt.UnixMilli(),
		keyTTL.Milliseconds(),
	)
	if err != nil {
		util.Error("Failed to create exchange session", util.SessionID(session.SessionID), zap.Error(err))
		return fmt.Errorf("failed to create exchange session: %w", err)
	}
	if res.(int64) == 0 {
		return repository.ErrSessionExists
	}

	util.Debug("Exchange session created",
		util.SessionID(session.SessionID),
		zap.Time("expires_at", session.ExpiresAt))
	return nil
}

func (c *ExchangeStore) GetSession(ctx context.Context, sessionID string) (*model.ExchangeSession, error) {
	ctx, cancel := c.client.WithContext(ctx, storeCallTimeout)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, sessionPrefix+sessionID)
	if err != nil {
		util.Error("Failed to get exchange session", util.SessionID(sessionID), zap.Error(err))
		return nil, fmt.Errorf("failed to get exchange session: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrSessionNotFound
	}
	return decodeSession(fields)
}

func (c *ExchangeStore) RecordHit(ctx context.Context, sessionID string, hit model.Hit, now time.Time) (*model.ExchangeSession, error) {
	callCtx, cancel := c.client.WithContext(ctx, storeCallTimeout)
	defer cancel()

	res, err := c.client.RunScript(callCtx, recordHitScript,
		[]string{sessionPrefix + sessionID, hitIndexKey, hitSequenceKey},
		sessionID,
		hit.Timestamp.UnixMilli(),
		hit.Signature,
		now.UnixMilli(),
	)
	if err != nil {
		util.Error("Failed to record hit", util.SessionID(sessionID), zap.Error(err))
		return nil, fmt.Errorf("failed to record hit: %w", err)
	}

	switch res.(int64) {
	case -1:
		return nil, repository.ErrSessionNotFound
	case -2:
		return nil, repository.ErrSessionClosed
	case -3:
		return nil, repository.ErrSessionExpired
	}
	return c.GetSession(ctx, sessionID)
}

func (c *ExchangeStore) FindCandidates(ctx context.Context, from, to time.Time) ([]*model.ExchangeSession, error) {
	ctx, cancel := c.client.WithContext(ctx, storeCallTimeout)
	defer cancel()

	// Scan outward from the middle of the window so a crowded index still
	// yields the hits closest in time.
	center := from.Add(to.Sub(from) / 2).UnixMilli()
	before, err := c.client.ZRevRangeByScore(ctx, hitIndexKey,
		strconv.FormatInt(from.UnixMilli(), 10),
		strconv.FormatInt(center, 10),
		c.CandidateScanSize)
	if err != nil {
		util.Error("Failed to scan hit index", zap.Error(err))
		return nil, fmt.Errorf("failed to scan hit index: %w", err)
	}
	after, err := c.client.ZRangeByScore(ctx, hitIndexKey,
		"("+strconv.FormatInt(center, 10),
		strconv.FormatInt(to.UnixMilli(), 10),
		c.CandidateScanSize)
	if err != nil {
		util.Error("Failed to scan hit index", zap.Error(err))
		return nil, fmt.Errorf("failed to scan hit index: %w", err)
	}
	ids := append(before, after...)
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := c.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load candidate sessions: %w", err)
	}

	var (
		out   []*model.ExchangeSession
		stale []interface{}
	)
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		sess, err := decodeSession(fields)
		if err != nil {
			util.Warn("Skipping undecodable candidate session", util.SessionID(ids[i]), zap.Error(err))
			continue
		}
		if sess.State == model.StateWaitingForBump && sess.HasHit() {
			out = append(out, sess)
		}
	}

	if len(stale) > 0 {
		if err := c.client.ZRem(ctx, hitIndexKey, stale...); err != nil {
			util.Warn("Failed to prune stale hit index entries", zap.Error(err))
		}
	}
	return out, nil
}

func (c *ExchangeStore) ClaimPair(ctx context.Context, selfID, candidateID string, match *model.Match, now time.Time) error {
	ctx, cancel := c.client.WithContext(ctx, storeCallTimeout)
	defer cancel()

	args := []interface{}{
		selfID,
		candidateID,
		now.UnixMilli(),
		match.Token,
		c.opts.MatchTTL.Milliseconds(),
		ownerOpenPrefix,
	}
	args = append(args, matchArgs(match)...)

	res, err := c.client.RunScript(ctx, claimPairScript,
		[]string{sessionPrefix + selfID, sessionPrefix + candidateID, hitIndexKey, expiryIndexKey, matchPrefix + match.Token},
		args...)
	if err != nil {
		util.Error("Failed to claim session pair",
			util.SessionID(selfID),
			zap.String("candidate_id", candidateID),
			zap.Error(err))
		return fmt.Errorf("failed to claim session pair: %w", err)
	}

	switch res.(int64) {
	case -1:
		return repository.ErrSelfNotClaimable
	case -2:
		return repository.ErrCandidateNotClaimable
	}
	return nil
}

func (c *ExchangeStore) ExpireSession(ctx context.Context, sessionID string, now time.Time) (*model.ExchangeSession, bool, error) {
	return c.closeSession(ctx, sessionID, now, model.StateTimeout)
}

func (c *ExchangeStore) AbandonSession(ctx context.Context, sessionID string, now time.Time) (*model.ExchangeSession, bool, error) {
	return c.closeSession(ctx, sessionID, now, model.StateError)
}

func (c *ExchangeStore) closeSession(ctx context.Context, sessionID string, now time.Time, target model.SessionState) (*model.ExchangeSession, bool, error) {
	callCtx, cancel := c.client.WithContext(ctx, storeCallTimeout)
	defer cancel()

	res, err := c.client.RunScript(callCtx, closeSessionScript,
		[]string{sessionPrefix + sessionID, hitIndexKey, expiryIndexKey},
		sessionID,
		now.UnixMilli(),
		ownerOpenPrefix,
		string(target),
	)
	if err != nil {
		util.Error("Failed to close exchange session",
			util.SessionID(sessionID),
			zap.String("target_state", string(target)),
			zap.Error(err))
		return nil, false, fmt.Errorf("failed to close exchange session: %w", err)
	}

	code := res.(int64)
	if code == -1 {
		return nil, false, repository.ErrSessionNotFound
	}
	sess, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	return sess, code == 1, nil
}

func (c *ExchangeStore) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ctx, cancel := c.client.WithContext(ctx, storeCallTimeout)
	defer cancel()

	ids, err := c.client.ZRangeByScore(ctx, expiryIndexKey, "-inf", strconv.FormatInt(now.UnixMilli(), 10), int64(limit))
	if err != nil {
		util.Error("Failed to scan expiry index", zap.Error(err))
		return nil, fmt.Errorf("failed to scan expiry index: %w", err)
	}
	return ids, nil
}

func (c *ExchangeStore) OpenPresentation(ctx context.Context, ownerUserID string) (*model.ExchangeSession, error) {
	callCtx, cancel := c.client.WithContext(ctx, storeCallTimeout)
	defer cancel()

	sessionID, err := c.client.Get(callCtx, ownerOpenPrefix+ownerUserID)
	if errors.Is(err, goredis.Nil) {
		return nil, repository.ErrSessionNotFound
	}
	if err != nil {
		util.Error("Failed to read presentation pointer", util.UserID(ownerUserID), zap.Error(err))
		return nil, fmt.Errorf("failed to read presentation pointer: %w", err)
	}
	return c.GetSession(ctx, sessionID)
}

func (c *ExchangeStore) ClaimQR(ctx context.Context, claim repository.QRClaim) (*model.Match, error) {
	callCtx, cancel := c.client.WithContext(ctx, storeCallTimeout)
	defer cancel()

	args := []interface{}{
		claim.Claimant,
		claim.PresenterSessionID,
		claim.Now.UnixMilli(),
		claim.Grace.Milliseconds(),
		c.opts.MatchTTL.Milliseconds(),
		claim.Match.Token,
	}
	args = append(args, matchArgs(claim.Match)...)

	res, err := c.client.RunScript(callCtx, claimQRScript,
		[]string{
			qrClaimPrefix + claim.ClaimKey,
			matchPrefix + claim.Match.Token,
			sessionPrefix + claim.PresenterSessionID,
			hitIndexKey,
			expiryIndexKey,
		},
		args...)
	if err != nil {
		util.Error("Failed to claim QR scan",
			util.UserID(claim.Claimant),
			zap.String("claim_key", claim.ClaimKey),
			zap.Error(err))
		return nil, fmt.Errorf("failed to claim QR scan: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, fmt.Errorf("unexpected result format from QR claim script")
	}
	if reply[0].(int64) != 1 {
		return nil, repository.ErrAlreadyScanned
	}
	token, _ := reply[1].(string)
	return c.GetMatch(ctx, token)
}

func (c *ExchangeStore) GetMatch(ctx context.Context, token string) (*model.Match, error) {
	ctx, cancel := c.client.WithContext(ctx, storeCallTimeout)
	defer cancel()

	pipe := c.client.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, matchPrefix+token)
	redeemersCmd := pipe.SMembers(ctx, matchPrefix+token+redeemersSuffix)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		util.Error("Failed to get match", util.MatchToken(token), zap.Error(err))
		return nil, fmt.Errorf("failed to get match: %w", err)
	}

	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return nil, repository.ErrMatchNotFound
	}
	return decodeMatch(fields, redeemersCmd.Val())
}

func (c *ExchangeStore) BindParticipant(ctx context.Context, token, userID, sessionHint string) (*model.Match, error) {
	callCtx, cancel := c.client.WithContext(ctx, storeCallTimeout)
	defer cancel()

	res, err := c.client.RunScript(callCtx, bindParticipantScript,
		[]string{matchPrefix + token, matchPrefix + token + redeemersSuffix},
		userID,
		sessionHint,
	)
	if err != nil {
		util.Error("Failed to bind match participant", util.MatchToken(token), util.UserID(userID), zap.Error(err))
		return nil, fmt.Errorf("failed to bind match participant: %w", err)
	}

	switch res.(int64) {
	case -1:
		return nil, repository.ErrMatchNotFound
	case -2:
		return nil, repository.ErrAlreadyScanned
	}
	return c.GetMatch(ctx, token)
}

func (c *ExchangeStore) HealthCheck(ctx context.Context) error {
	return c.client.HealthCheck(ctx)
}

func matchArgs(m *model.Match) []interface{} {
	return []interface{}{
		string(m.Kind),
		m.CreatedAt.UnixMilli(),
		m.ParticipantA.UserID,
		m.ParticipantA.SessionID,
		string(m.ParticipantA.SharingCategory),
		m.ParticipantB.UserID,
		m.ParticipantB.SessionID,
		string(m.ParticipantB.SharingCategory),
	}
}

func decodeSession(f map[string]string) (*model.ExchangeSession, error) {
	createdAt, err := parseMillis(f["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	expiresAt, err := parseMillis(f["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid expires_at: %w", err)
	}

	sess := &model.ExchangeSession{
		SessionID:        f["id"],
		OwnerUserID:      f["owner"],
		SharingCategory:  model.SharingCategory(f["category"]),
		CreatedAt:        createdAt,
		ExpiresAt:        expiresAt,
		State:            model.SessionState(f["state"]),
		HitSignature:     f["hit_sig"],
		MatchedSessionID: f["matched_session"],
		MatchToken:       f["match_token"],
	}
	if raw := f["hit_ts"]; raw != "" {
		ts, err := parseMillis(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid hit_ts: %w", err)
		}
		sess.HitTimestamp = &ts
		sess.HitSequence, _ = strconv.ParseInt(f["hit_seq"], 10, 64)
	}
	return sess, nil
}

func decodeMatch(f map[string]string, redeemers []string) (*model.Match, error) {
	createdAt, err := parseMillis(f["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid match created_at: %w", err)
	}
	return &model.Match{
		Token: f["token"],
		Kind:  model.MatchKind(f["kind"]),
		ParticipantA: model.Participant{
			UserID:          f["a_user"],
			SessionID:       f["a_session"],
			SharingCategory: model.SharingCategory(f["a_category"]),
		},
		ParticipantB: model.Participant{
			UserID:          f["b_user"],
			SessionID:       f["b_session"],
			SharingCategory: model.SharingCategory(f["b_category"]),
		},
		CreatedAt:  createdAt,
		RedeemedBy: redeemers,
	}, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
