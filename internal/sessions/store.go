package sessions

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/providers"
)

// Record is the persisted form of a session.
type Record struct {
	ID       string              `json:"id"`
	Messages []providers.Message `json:"messages"`
	Updated  time.Time           `json:"updated"`
}

// Store persists sessions across restarts. Load returns (nil, nil) when the
// session does not exist.
type Store interface {
	Load(ctx context.Context, id string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	Close() error
}
