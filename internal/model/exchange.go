package model

import (
	"fmt"
	"strings"
	"time"
)

// SessionState is the lifecycle state of one device-side exchange attempt.
type SessionState string

const (
	StateIdle                 SessionState = "idle"
	StateRequestingPermission SessionState = "requesting-permission"
	StateWaitingForBump       SessionState = "waiting-for-bump"
	StateProcessing           SessionState = "processing"
	StateMatched              SessionState = "matched"
	StateQRScanPending        SessionState = "qr-scan-pending"
	StateQRScanMatched        SessionState = "qr-scan-matched"
	StateTimeout              SessionState = "timeout"
	StateError                SessionState = "error"
)

// IsTerminal reports whether no further transition may follow for the same session id.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateMatched, StateQRScanMatched, StateTimeout, StateError:
		return true
	}
	return false
}

// IsSuccess reports whether the state carries a match token.
func (s SessionState) IsSuccess() bool {
	return s == StateMatched || s == StateQRScanMatched
}

// SharingCategory selects which profile fields are disclosed to the counterpart.
type SharingCategory string

const (
	CategoryPersonal SharingCategory = "Personal"
	CategoryWork     SharingCategory = "Work"
	CategoryAll      SharingCategory = "All"
)

// ParseSharingCategory accepts the canonical names case-insensitively.
// An empty value defaults to All.
func ParseSharingCategory(v string) (SharingCategory, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "all":
		return CategoryAll, nil
	case "personal":
		return CategoryPersonal, nil
	case "work":
		return CategoryWork, nil
	default:
		return "", fmt.Errorf("unknown sharing category %q", v)
	}
}

// MatchKind records which path produced a match.
type MatchKind string

const (
	MatchKindBump MatchKind = "bump"
	MatchKindQR   MatchKind = "qr"
)

// ExchangeSession is the server record of one device-side attempt.
type ExchangeSession struct {
	SessionID        string          `json:"session_id"`
	OwnerUserID      string          `json:"owner_user_id,omitempty"`
	SharingCategory  SharingCategory `json:"sharing_category"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	State            SessionState    `json:"state"`
	HitTimestamp     *time.Time      `json:"hit_timestamp,omitempty"`
	HitSignature     string          `json:"hit_signature,omitempty"`
	HitSequence      int64           `json:"hit_sequence,omitempty"`
	MatchedSessionID string          `json:"matched_session_id,omitempty"`
	MatchToken       string          `json:"match_token,omitempty"`
}

// HasHit reports whether the session carries an unmatched hit usable for correlation.
func (s *ExchangeSession) HasHit() bool {
	return s.HitTimestamp != nil && s.MatchToken == ""
}

// IsExpired reports whether the session window has closed at now.
func (s *ExchangeSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Hit is one bump signal registered by a device.
type Hit struct {
	Timestamp time.Time
	// Signature is the proximity bucket derived from the device's coarse
	// proximity signal. Empty means the signal was unavailable.
	Signature string
}

// Participant is one side of a match.
type Participant struct {
	UserID          string          `json:"user_id,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	SharingCategory SharingCategory `json:"sharing_category"`
}

// Match is the confirmed pairing of two sessions or one QR redemption.
type Match struct {
	Token        string      `json:"token"`
	Kind         MatchKind   `json:"kind"`
	ParticipantA Participant `json:"participant_a"`
	ParticipantB Participant `json:"participant_b"`
	CreatedAt    time.Time   `json:"created_at"`
	RedeemedBy   []string    `json:"redeemed_by,omitempty"`
}

// Counterpart returns the participant opposite to userID and whether userID
// is one of the two participants.
func (m *Match) Counterpart(userID string) (Participant, bool) {
	switch {
	case userID == "":
		return Participant{}, false
	case m.ParticipantA.UserID == userID:
		return m.ParticipantB, true
	case m.ParticipantB.UserID == userID:
		return m.ParticipantA, true
	}
	return Participant{}, false
}

// CounterpartOfSession is Counterpart keyed by session id.
func (m *Match) CounterpartOfSession(sessionID string) (Participant, bool) {
	switch {
	case sessionID == "":
		return Participant{}, false
	case m.ParticipantA.SessionID == sessionID:
		return m.ParticipantB, true
	case m.ParticipantB.SessionID == sessionID:
		return m.ParticipantA, true
	}
	return Participant{}, false
}

// HasRedeemed reports whether userID already fetched the paired profile.
func (m *Match) HasRedeemed(userID string) bool {
	for _, id := range m.RedeemedBy {
		if id == userID {
			return true
		}
	}
	return false
}

// QRShareToken is the durable token printed on a profile's QR code.
type QRShareToken struct {
	Token           string          `json:"token,omitempty"`
	Digest          string          `json:"-"`
	OwnerUserID     string          `json:"owner_user_id"`
	SharingCategory SharingCategory `json:"sharing_category"`
	CreatedAt       time.Time       `json:"created_at"`
}

// MatchRef is the wire shape of a match reference.
type MatchRef struct {
	Token string `json:"token"`
}

// SessionView is what devices observe about a session, over polling or push.
type SessionView struct {
	SessionID string       `json:"sessionId"`
	State     SessionState `json:"state"`
	ExpiresAt time.Time    `json:"expiresAt"`
	Match     *MatchRef    `json:"match,omitempty"`
}

// View projects the session into its wire view. A success state is only
// reported together with its token.
func (s *ExchangeSession) View() SessionView {
	v := SessionView{
		SessionID: s.SessionID,
		State:     s.State,
		ExpiresAt: s.ExpiresAt,
	}
	if s.MatchToken != "" {
		v.Match = &MatchRef{Token: s.MatchToken}
	}
	return v
}
