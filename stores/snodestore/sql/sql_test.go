package sql

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/libsv/go-bk/bec"
	"github.com/libsv/go-bt/v2/chainhash"
	"github.com/mazanetwork/maza/chaincfg"
	"github.com/mazanetwork/maza/services/snode"
	"github.com/mazanetwork/maza/ulogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()

	storeURL, err := url.Parse("sqlitememory:///snodes")
	require.NoError(t, err)

	s, err := New(ulogger.TestLogger{}, storeURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func newBroadcast(t *testing.T, id byte) *snode.Broadcast {
	t.Helper()

	collateralKey, err := bec.NewPrivateKey(bec.S256())
	require.NoError(t, err)
	operatorKey, err := bec.NewPrivateKey(bec.S256())
	require.NoError(t, err)

	outpoint := snode.Outpoint{Vout: 1}
	outpoint.TxID[0] = id

	flags := snode.StaticFlags{NewSignatures: true}
	now := time.Unix(1700000000, 0)

	ping := &snode.Ping{Outpoint: outpoint, BlockHash: chainhash.DoubleHashH([]byte("b"))}
	require.NoError(t, ping.Sign(operatorKey, flags, now))

	b := &snode.Broadcast{
		Outpoint:         outpoint,
		Addr:             "203.0.113.10:13345",
		CollateralPubKey: collateralKey.PubKey().SerialiseCompressed(),
		OperatorPubKey:   operatorKey.PubKey().SerialiseCompressed(),
		ProtocolVersion:  chaincfg.ProtocolVersion,
		LastPing:         *ping,
	}
	require.NoError(t, b.Sign(collateralKey, flags, now))
	return b
}

func TestRegistryRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var minConf chainhash.Hash
	minConf[3] = 9

	dump := &RegistryDump{
		Broadcasts:           []*snode.Broadcast{newBroadcast(t, 1), newBroadcast(t, 2)},
		States:               []int32{int32(snode.StateEnabled), int32(snode.StateExpired)},
		MinConfBlockHashes:   []chainhash.Hash{minConf, minConf},
		LastPaidBlocks:       []uint32{100, 0},
		SeenTimes:            []int64{1700000000, 1700000100},
		LastSentinelPingTime: 1700000200,
		LastQueueSeq:         7,
	}

	require.NoError(t, s.SaveRegistry(ctx, dump))

	loaded, err := s.LoadRegistry(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Broadcasts, 2)

	assert.ElementsMatch(t, dump.States, loaded.States)
	assert.Equal(t, dump.LastSentinelPingTime, loaded.LastSentinelPingTime)
	assert.Equal(t, dump.LastQueueSeq, loaded.LastQueueSeq)

	byOutpoint := map[snode.Outpoint]*snode.Broadcast{}
	for _, b := range loaded.Broadcasts {
		byOutpoint[b.Outpoint] = b
	}
	for _, b := range dump.Broadcasts {
		got, ok := byOutpoint[b.Outpoint]
		require.True(t, ok)
		assert.Equal(t, b, got)
	}
}

func TestVotesRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	dump := &VotesDump{Votes: [][]byte{{1, 2, 3}, {4, 5, 6}}}
	require.NoError(t, s.SaveVotes(ctx, dump))

	loaded, err := s.LoadVotes(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, dump.Votes, loaded.Votes)

	require.NoError(t, s.WipeVotes(ctx))
	loaded, err = s.LoadVotes(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded.Votes)
}

func TestVersionMismatchDetected(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRegistry(ctx, &RegistryDump{}))

	// simulate an old cache
	_, err := s.db.Exec(`UPDATE snode_meta SET data = $1 WHERE key = $2`, []byte("maza-snodestore-v0"), "version")
	require.NoError(t, err)

	_, err = s.LoadRegistry(ctx)
	require.ErrorIs(t, err, ErrWrongVersion)

	// a wipe restores the current version
	require.NoError(t, s.WipeRegistry(ctx))
	loaded, err := s.LoadRegistry(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded.Broadcasts)
}
