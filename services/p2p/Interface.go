package p2p

import (
	"context"

	"github.com/libsv/go-bt/v2/chainhash"
)

// Wire commands understood by the coordination layer. The transport frames
// and routes these; the payloads are the canonical binary encodings from
// services/snode and services/payments.
const (
	CmdSnodeAnnounce   = "mnannounce"
	CmdSnodePing       = "mnping"
	CmdDseg            = "dseg"
	CmdPaymentSync     = "mnpaymentsync"
	CmdPaymentVote     = "mnpaymentvote"
	CmdSnodeVerify     = "mnverify"
	CmdGovernanceSync  = "mngovernancesync"
	CmdSyncStatusCount = "syncstatuscount"
	CmdGetSporks       = "getsporks"
	CmdInv             = "inv"
	CmdGetData         = "getdata"
)

// InvType identifies the object class an inventory vector refers to.
type InvType uint32

const (
	InvTypeSnodeBroadcast InvType = 14
	InvTypeSnodePing      InvType = 15
	InvTypePaymentVote    InvType = 16
	InvTypePaymentBlock   InvType = 17
	InvTypeSnodeVerify    InvType = 19
	InvTypeGovernanceObj  InvType = 20
)

// MaxInvPerMsg is the maximum number of inventory vectors in a single inv or
// getdata message.
const MaxInvPerMsg = 50000

// Inv is an inventory vector.
type Inv struct {
	Type InvType
	Hash chainhash.Hash
}

// Peer is a connected remote node as seen by the coordination layer.
// Implementations must not block in PushMessage; messages are enqueued on the
// peer's send queue.
type Peer interface {
	// ID is a unique identifier for this connection.
	ID() uint64

	// Addr returns the remote "host:port".
	Addr() string

	// ProtocolVersion is the negotiated protocol version of the peer.
	ProtocolVersion() int

	// PushMessage enqueues a framed message to the peer.
	PushMessage(command string, payload []byte)

	// PushInv enqueues inventory announcements, batching up to MaxInvPerMsg
	// per message.
	PushInv(invs ...Inv)

	// Disconnect schedules the connection to be dropped.
	Disconnect()
}

// ConnManager is the connection pool the coordination layer talks through.
type ConnManager interface {
	// ConnectedPeers returns a snapshot of the currently connected peers.
	ConnectedPeers() []Peer

	// RelayInv announces an inventory vector to every connected peer.
	RelayInv(inv Inv)

	// ConnectTo opens (or reuses) an outbound connection to addr. It must be
	// called without any component lock held; connections acquired this way
	// release automatically after 15s when the remote stays silent.
	ConnectTo(ctx context.Context, addr string) (Peer, error)

	// IncreaseBanScore raises the misbehavior score of the peer, possibly
	// disconnecting and banning it.
	IncreaseBanScore(peerID uint64, score int, reason string)

	// IsListening reports whether the local node accepts inbound
	// connections.
	IsListening() bool

	// ExternalAddrCandidate returns the best guess of our own external
	// "host:port" as reported by outbound peers, or "" when unknown.
	ExternalAddrCandidate() string
}
