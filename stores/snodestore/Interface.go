package snodestore

import (
	"context"
	"net/url"

	"github.com/mazanetwork/maza/errors"
	snodestoresql "github.com/mazanetwork/maza/stores/snodestore/sql"
	"github.com/mazanetwork/maza/ulogger"
)

// Version keys the on-disk caches. Bumping it wipes persisted state on the
// next start and forces a full resync.
const Version = snodestoresql.Version

// ErrWrongVersion is returned by Load* when the persisted cache was written
// by a different version of the code.
var ErrWrongVersion = snodestoresql.ErrWrongVersion

// RegistryDump is the flat persisted form of the snode registry. Slices are
// parallel; index i describes one entry.
type RegistryDump = snodestoresql.RegistryDump

// VotesDump is the persisted payment-vote history.
type VotesDump = snodestoresql.VotesDump

// Store persists the coordination layer's caches between runs.
type Store interface {
	LoadRegistry(ctx context.Context) (*RegistryDump, error)
	SaveRegistry(ctx context.Context, dump *RegistryDump) error
	WipeRegistry(ctx context.Context) error

	LoadVotes(ctx context.Context) (*VotesDump, error)
	SaveVotes(ctx context.Context, dump *VotesDump) error
	WipeVotes(ctx context.Context) error

	Close() error
}

// NewStore opens the store for the given URL (sqlite://, sqlitememory:// or
// postgres://).
func NewStore(logger ulogger.Logger, storeURL *url.URL) (Store, error) {
	switch storeURL.Scheme {
	case "postgres", "sqlite", "sqlitememory":
		return snodestoresql.New(logger, storeURL)
	default:
		return nil, errors.NewStorageError("unknown snode store scheme: %s", storeURL.Scheme)
	}
}
