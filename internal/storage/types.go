package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Permission levels are stored as small integers. The gaps keep the values
// wire-compatible with older deployments.
type Permission int

const (
	PermBlocked Permission = 0
	PermUser    Permission = 1
	PermAdmin   Permission = 2
	PermMaster  Permission = 4
)

func (p Permission) String() string {
	switch p {
	case PermBlocked:
		return "BLOCKED"
	case PermUser:
		return "USER"
	case PermAdmin:
		return "ADMIN"
	case PermMaster:
		return "MASTER"
	default:
		return "UNKNOWN"
	}
}

// ValidPermission reports whether p is one of the defined levels.
func ValidPermission(p Permission) bool {
	switch p {
	case PermBlocked, PermUser, PermAdmin, PermMaster:
		return true
	}
	return false
}

// Grant is a user's permission record.
type Grant struct {
	UserID    int64
	Name      string
	Level     Permission
	UpdatedAt time.Time
}

// Channel is a tracked source definition.
type Channel struct {
	ID         int64
	Identifier string
	Kind       string
	Config     json.RawMessage
	Polling    string
	Active     bool
}

// Subscription links a user to a channel. Suspended subscriptions stay
// subscribed but receive no change notifications (used while a source is
// being re-baselined).
type Subscription struct {
	UserID            int64
	ChannelID         int64
	ChannelIdentifier string
	Active            bool
	Suspended         bool
}

var (
	ErrClosed        = errors.New("storage: closed")
	ErrUnknownDriver = errors.New("storage: unknown driver")
)

// Store is the relational backend holding channels, subscriptions,
// permissions and runtime parameters.
type Store interface {
	// Parameters returns all name/value parameter rows.
	Parameters(ctx context.Context) (map[string]string, error)
	SetParameter(ctx context.Context, name, value string) error

	// Grant returns the permission record for the user.
	// ok is false when the user has no record at all.
	Grant(ctx context.Context, userID int64) (Grant, bool, error)
	// SetGrant upserts the user's permission record.
	SetGrant(ctx context.Context, g Grant) error
	// GrantMasterIfNone atomically inserts a MASTER record for the user,
	// but only when no MASTER exists yet. Returns true when the grant
	// was made. Concurrent callers see exactly one winner.
	GrantMasterIfNone(ctx context.Context, userID int64, name string) (bool, error)
	// Privileged returns all users at ADMIN or MASTER level.
	Privileged(ctx context.Context) ([]Grant, error)

	// Channels returns active channel definitions.
	Channels(ctx context.Context) ([]Channel, error)

	// SetSubscription upserts the (user, channel) subscription row.
	SetSubscription(ctx context.Context, userID, channelID int64, active bool) error
	// Subscriptions returns the user's subscription rows (active and not).
	Subscriptions(ctx context.Context, userID int64) ([]Subscription, error)
	// Subscribers returns user IDs with an active, non-suspended
	// subscription to the channel.
	Subscribers(ctx context.Context, channelID int64) ([]int64, error)
	// SetChannelSuspended flips the suspended flag on every active
	// subscription to the channel and returns the affected user IDs.
	SetChannelSuspended(ctx context.Context, channelID int64, suspended bool) ([]int64, error)

	Close() error
}

// Config selects and configures a storage driver.
type Config struct {
	Driver      string
	Path        string // sqlite file path
	DSN         string // postgres connection string
	BusyTimeout time.Duration
}
