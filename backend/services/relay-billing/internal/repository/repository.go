package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"relayrent/backend/services/relay-billing/internal/models"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict is returned when an insert violates a uniqueness rule,
	// e.g. a second active session on the same relay.
	ErrConflict = errors.New("repository: conflict")
	// ErrStaleState is returned when a compare-and-swap transition finds the row
	// in a different state than expected.
	ErrStaleState = errors.New("repository: stale state")
)

// Completion carries the values written when a session leaves the active state.
type Completion struct {
	EndedAt time.Time
	Cost    int64
	Reason  string
}

// Settlement carries the values written when a completed session is paid.
type Settlement struct {
	PromotionID       *int64
	Discount          int64
	CostAfterDiscount int64
	PaidAt            time.Time
}

// OfflineSession is an active session whose device is stored offline, with that
// device's last heartbeat.
type OfflineSession struct {
	Session       models.Session
	LastHeartbeat *time.Time
}

// Queries is the persistence contract shared by plain and transactional access.
type Queries interface {
	GetDevice(ctx context.Context, deviceID string) (models.Device, error)
	ListDevices(ctx context.Context) ([]models.Device, error)
	UpsertDevice(ctx context.Context, device models.Device) (models.Device, error)
	// TouchHeartbeat marks the device online and moves last_heartbeat forward to at (never backwards).
	TouchHeartbeat(ctx context.Context, deviceID string, at time.Time, ip string) (models.Device, error)
	// MarkStaleOffline flips online devices whose heartbeat is missing or not after cutoff,
	// returning only the rows it changed.
	MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]models.Device, error)

	GetRelay(ctx context.Context, ref models.RelayRef) (models.Relay, error)
	// LockRelay reads the relay and holds an exclusive lock on it until the transaction ends.
	LockRelay(ctx context.Context, ref models.RelayRef) (models.Relay, error)
	ListRelays(ctx context.Context, deviceID string) ([]models.Relay, error)
	UpsertRelay(ctx context.Context, relay models.Relay) (models.Relay, error)
	SetRelayEnergized(ctx context.Context, ref models.RelayRef, energized bool, at time.Time) (models.Relay, error)

	InsertSession(ctx context.Context, session models.Session) (models.Session, error)
	GetSession(ctx context.Context, id int64) (models.Session, error)
	ActiveSession(ctx context.Context, ref models.RelayRef) (models.Session, error)
	ListSessions(ctx context.Context, filter models.SessionFilter) ([]models.Session, error)
	// CompleteSession transitions active -> completed; ErrStaleState when the session is not active.
	CompleteSession(ctx context.Context, id int64, c Completion) (models.Session, error)
	// SettleSession transitions completed -> paid; ErrStaleState when the session is not completed.
	SettleSession(ctx context.Context, id int64, s Settlement) (models.Session, error)
	// ListActiveOnOfflineDevices returns up to limit active sessions, oldest first, on devices
	// whose stored state is offline and that started before last_heartbeat + window, i.e.
	// while the device was still reporting.
	ListActiveOnOfflineDevices(ctx context.Context, window time.Duration, limit int) ([]OfflineSession, error)

	GetPromotion(ctx context.Context, id int64) (models.Promotion, error)
	ListPromotions(ctx context.Context) ([]models.Promotion, error)
	UpsertPromotion(ctx context.Context, promotion models.Promotion) (models.Promotion, error)
}

// Store adds transactions on top of Queries.
type Store interface {
	Queries
	// WithTx runs fn atomically; any error returned by fn rolls the transaction back.
	WithTx(ctx context.Context, fn func(q Queries) error) error
}

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const defaultListLimit = 50
