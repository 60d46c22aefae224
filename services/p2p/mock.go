package p2p

import (
	"context"
	"sync"

	"github.com/mazanetwork/maza/errors"
)

// MockMessage is one enqueued message on a MockPeer.
type MockMessage struct {
	Command string
	Payload []byte
}

// MockPeer is an in-memory Peer recording everything pushed to it.
type MockPeer struct {
	mu           sync.Mutex
	id           uint64
	addr         string
	protoVersion int
	Messages     []MockMessage
	Invs         []Inv
	Disconnected bool
}

func NewMockPeer(id uint64, addr string, protoVersion int) *MockPeer {
	return &MockPeer{id: id, addr: addr, protoVersion: protoVersion}
}

func (p *MockPeer) ID() uint64           { return p.id }
func (p *MockPeer) Addr() string         { return p.addr }
func (p *MockPeer) ProtocolVersion() int { return p.protoVersion }

func (p *MockPeer) PushMessage(command string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Messages = append(p.Messages, MockMessage{Command: command, Payload: payload})
}

func (p *MockPeer) PushInv(invs ...Inv) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Invs = append(p.Invs, invs...)
}

func (p *MockPeer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Disconnected = true
}

// MessageCount returns how many messages with the given command were pushed.
func (p *MockPeer) MessageCount(command string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, m := range p.Messages {
		if m.Command == command {
			n++
		}
	}
	return n
}

// MockConnManager is an in-memory ConnManager for tests.
type MockConnManager struct {
	mu           sync.Mutex
	peers        []*MockPeer
	Relayed      []Inv
	BanScores    map[uint64]int
	Listening    bool
	ExternalAddr string
	ConnectErr   error
}

func NewMockConnManager(peers ...*MockPeer) *MockConnManager {
	return &MockConnManager{
		peers:     peers,
		BanScores: make(map[uint64]int),
		Listening: true,
	}
}

func (m *MockConnManager) AddPeer(p *MockPeer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers = append(m.peers, p)
}

func (m *MockConnManager) ConnectedPeers() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

func (m *MockConnManager) RelayInv(inv Inv) {
	m.mu.Lock()
	m.Relayed = append(m.Relayed, inv)
	peers := m.peers
	m.mu.Unlock()

	for _, p := range peers {
		p.PushInv(inv)
	}
}

func (m *MockConnManager) ConnectTo(_ context.Context, addr string) (Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ConnectErr != nil {
		return nil, m.ConnectErr
	}

	for _, p := range m.peers {
		if p.addr == addr {
			return p, nil
		}
	}

	return nil, errors.NewServiceError("no route to %s", addr)
}

func (m *MockConnManager) IncreaseBanScore(peerID uint64, score int, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BanScores[peerID] += score
}

func (m *MockConnManager) IsListening() bool { return m.Listening }

func (m *MockConnManager) ExternalAddrCandidate() string { return m.ExternalAddr }
