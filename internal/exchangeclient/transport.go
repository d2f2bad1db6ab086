package exchangeclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"exchange-service/internal/model"
)

var (
	ErrExchangeInProgress = errors.New("an exchange is already in progress")
	ErrPermissionDenied   = errors.New("motion permission denied")
	ErrAlreadyScanned     = errors.New("already scanned")
	ErrNotFound           = errors.New("not found")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrSessionExpired     = errors.New("exchange session expired")
)

// ServerError is a non-2xx reply that maps to no sentinel.
type ServerError struct {
	Status  int
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d (%s): %s", e.Status, e.Code, e.Message)
}

// OpenedSession is the server's answer to opening a session.
type OpenedSession struct {
	SessionID string
	ExpiresAt time.Time
	QRToken   string
}

// Transport is the device's view of the exchange server.
type Transport interface {
	OpenSession(ctx context.Context, sessionID string, category model.SharingCategory) (*OpenedSession, error)
	RegisterHit(ctx context.Context, sessionID string, at time.Time, proximitySignal string) (model.SessionView, error)
	GetSession(ctx context.Context, sessionID string) (model.SessionView, error)
	// Watch streams views of a session until ctx ends or the server closes
	// the stream. The channel is closed in both cases.
	Watch(ctx context.Context, sessionID string) (<-chan model.SessionView, error)
	RedeemQR(ctx context.Context, qrToken string, category model.SharingCategory) (string, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// PermissionRequester asks the platform for motion sensor access.
type PermissionRequester interface {
	RequestMotionPermission(ctx context.Context) (bool, error)
}

// HitEvent is one detected bump.
type HitEvent struct {
	At              time.Time
	ProximitySignal string
}

// SensorSource emits detected bumps until ctx ends.
type SensorSource interface {
	Listen(ctx context.Context) (<-chan HitEvent, error)
}
