package sql

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"net/url"
	"time"

	_ "github.com/lib/pq"
	"github.com/libsv/go-bt/v2/chainhash"
	"github.com/mazanetwork/maza/errors"
	"github.com/mazanetwork/maza/services/snode"
	"github.com/mazanetwork/maza/ulogger"
	"github.com/ordishs/gocore"
	_ "modernc.org/sqlite"

	"github.com/mazanetwork/maza/util"
)

// Version keys the persisted caches. A mismatch wipes everything.
const Version = "maza-snodestore-v1"

// ErrWrongVersion is returned when the persisted cache carries a different
// version string.
var ErrWrongVersion = errors.New(errors.ERR_VERSION_MISMATCH, "persisted cache version mismatch")

// RegistryDump is the flat persisted form of the snode registry. Slices are
// parallel; index i describes one entry.
type RegistryDump struct {
	Broadcasts         []*snode.Broadcast
	States             []int32
	MinConfBlockHashes []chainhash.Hash
	LastPaidBlocks     []uint32
	SeenTimes          []int64

	LastSentinelPingTime int64
	LastQueueSeq         int64
}

// VotesDump is the persisted payment-vote history, one serialized vote per
// element.
type VotesDump struct {
	Votes [][]byte
}

type Store struct {
	logger    ulogger.Logger
	db        *sql.DB
	engine    util.SQLEngine
	dbTimeout time.Duration
}

func New(logger ulogger.Logger, storeURL *url.URL) (*Store, error) {
	db, err := util.InitSQLDB(logger, storeURL)
	if err != nil {
		return nil, errors.NewStorageError("failed to init sql db", err)
	}

	if err = createSchema(db); err != nil {
		return nil, errors.NewStorageError("failed to create snode store schema", err)
	}

	dbTimeoutMillis, _ := gocore.Config().GetInt("snodestore_dbTimeoutMillis", 5000)

	return &Store{
		logger:    logger,
		db:        db,
		engine:    util.SQLEngine(storeURL.Scheme),
		dbTimeout: time.Duration(dbTimeoutMillis) * time.Millisecond,
	}, nil
}

// The schema is deliberately engine-neutral: blobs and integers, plus a text
// key in the meta table.
func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS snode_meta (
			key        TEXT PRIMARY KEY,
			data       BYTEA
		)`,
		`CREATE TABLE IF NOT EXISTS snode_registry (
			outpoint        BYTEA PRIMARY KEY,
			broadcast       BYTEA NOT NULL,
			state           BIGINT NOT NULL,
			minconf_hash    BYTEA NOT NULL,
			last_paid_block BIGINT NOT NULL,
			seen_time       BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS snode_votes (
			hash  BYTEA PRIMARY KEY,
			vote  BYTEA NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.dbTimeout)
}

func (s *Store) checkVersion(ctx context.Context) error {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snode_meta WHERE key = $1`, "version").Scan(&data)
	if err == sql.ErrNoRows {
		// fresh store, stamp it
		_, err = s.db.ExecContext(ctx, `INSERT INTO snode_meta (key, data) VALUES ($1, $2)`, "version", []byte(Version))
		return err
	}
	if err != nil {
		return errors.NewStorageError("failed to read cache version", err)
	}

	if string(data) != Version {
		return ErrWrongVersion
	}
	return nil
}

func (s *Store) LoadRegistry(ctx context.Context) (*RegistryDump, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.checkVersion(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT broadcast, state, minconf_hash, last_paid_block, seen_time
		FROM snode_registry
	`)
	if err != nil {
		return nil, errors.NewStorageError("failed to load registry", err)
	}
	defer rows.Close()

	dump := &RegistryDump{}

	for rows.Next() {
		var (
			broadcastRaw  []byte
			state         int64
			minConfRaw    []byte
			lastPaidBlock int64
			seenTime      int64
		)
		if err = rows.Scan(&broadcastRaw, &state, &minConfRaw, &lastPaidBlock, &seenTime); err != nil {
			return nil, errors.NewStorageError("failed to scan registry row", err)
		}

		b := &snode.Broadcast{}
		if err = b.Deserialize(bytes.NewReader(broadcastRaw)); err != nil {
			return nil, errors.NewStorageError("corrupt persisted broadcast", err)
		}

		var minConfHash chainhash.Hash
		copy(minConfHash[:], minConfRaw)

		dump.Broadcasts = append(dump.Broadcasts, b)
		dump.States = append(dump.States, int32(state))
		dump.MinConfBlockHashes = append(dump.MinConfBlockHashes, minConfHash)
		dump.LastPaidBlocks = append(dump.LastPaidBlocks, uint32(lastPaidBlock))
		dump.SeenTimes = append(dump.SeenTimes, seenTime)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.NewStorageError("failed reading registry rows", err)
	}

	if data, err := s.getMeta(ctx, "last_sentinel_ping_time"); err == nil && len(data) == 8 {
		dump.LastSentinelPingTime = int64(leUint64(data))
	}
	if data, err := s.getMeta(ctx, "last_queue_seq"); err == nil && len(data) == 8 {
		dump.LastQueueSeq = int64(leUint64(data))
	}

	return dump, nil
}

func (s *Store) SaveRegistry(ctx context.Context, dump *RegistryDump) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError("failed to begin registry save", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `DELETE FROM snode_registry`); err != nil {
		return errors.NewStorageError("failed to clear registry table", err)
	}

	for i, b := range dump.Broadcasts {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO snode_registry (outpoint, broadcast, state, minconf_hash, last_paid_block, seen_time)
			VALUES ($1, $2, $3, $4, $5, $6)
		`,
			b.Outpoint.Bytes(),
			b.Bytes(),
			int64(dump.States[i]),
			dump.MinConfBlockHashes[i][:],
			int64(dump.LastPaidBlocks[i]),
			dump.SeenTimes[i],
		); err != nil {
			return errors.NewStorageError("failed to insert registry row", err)
		}
	}

	if err = s.setMetaTx(ctx, tx, "version", []byte(Version)); err != nil {
		return err
	}
	if err = s.setMetaTx(ctx, tx, "last_sentinel_ping_time", leUint64Bytes(uint64(dump.LastSentinelPingTime))); err != nil {
		return err
	}
	if err = s.setMetaTx(ctx, tx, "last_queue_seq", leUint64Bytes(uint64(dump.LastQueueSeq))); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return errors.NewStorageError("failed to commit registry save", err)
	}
	return nil
}

func (s *Store) WipeRegistry(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM snode_registry`); err != nil {
		return errors.NewStorageError("failed to wipe registry", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snode_meta`); err != nil {
		return errors.NewStorageError("failed to wipe meta", err)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO snode_meta (key, data) VALUES ($1, $2)`, "version", []byte(Version))
	return err
}

func (s *Store) LoadVotes(ctx context.Context) (*VotesDump, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.checkVersion(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT vote FROM snode_votes`)
	if err != nil {
		return nil, errors.NewStorageError("failed to load votes", err)
	}
	defer rows.Close()

	dump := &VotesDump{}
	for rows.Next() {
		var vote []byte
		if err = rows.Scan(&vote); err != nil {
			return nil, errors.NewStorageError("failed to scan vote row", err)
		}
		dump.Votes = append(dump.Votes, vote)
	}

	return dump, rows.Err()
}

func (s *Store) SaveVotes(ctx context.Context, dump *VotesDump) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError("failed to begin votes save", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `DELETE FROM snode_votes`); err != nil {
		return errors.NewStorageError("failed to clear votes table", err)
	}

	for _, vote := range dump.Votes {
		hash := chainhash.DoubleHashB(vote)
		if _, err = tx.ExecContext(ctx, `INSERT INTO snode_votes (hash, vote) VALUES ($1, $2)`, hash, vote); err != nil {
			return errors.NewStorageError("failed to insert vote row", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.NewStorageError("failed to commit votes save", err)
	}
	return nil
}

func (s *Store) WipeVotes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `DELETE FROM snode_votes`)
	if err != nil {
		return errors.NewStorageError("failed to wipe votes", err)
	}
	return nil
}

func (s *Store) getMeta(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snode_meta WHERE key = $1`, key).Scan(&data)
	return data, err
}

func (s *Store) setMetaTx(ctx context.Context, tx *sql.Tx, key string, data []byte) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM snode_meta WHERE key = $1`, key); err != nil {
		return errors.NewStorageError("failed to clear meta key", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO snode_meta (key, data) VALUES ($1, $2)`, key, data); err != nil {
		return errors.NewStorageError("failed to set meta key", err)
	}
	return nil
}

func leUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func leUint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
