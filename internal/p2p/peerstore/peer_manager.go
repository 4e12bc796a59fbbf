package peerstore

import (
	"math/rand"
	"sort"
	"sync"

	ma "github.com/multiformats/go-multiaddr"

	tmrand "github.com/tendermint/discovery/libs/rand"
)

// PeerID identifies a remote peer.
type PeerID string

// ProtocolID names a protocol opened on a peer connection.
type ProtocolID string

// PeerManager is the thread-safe façade over the address Store. It also tracks
// which protocols are open on each connected peer and which of them take part
// in consensus.
type PeerManager struct {
	mtx       sync.Mutex
	store     *Store
	rng       *rand.Rand
	protocols map[PeerID]map[ProtocolID]struct{}
	consensus map[PeerID]ma.Multiaddr
}

// NewPeerManager creates a PeerManager around store.
func NewPeerManager(store *Store) *PeerManager {
	return &PeerManager{
		store:     store,
		rng:       tmrand.NewRand(),
		protocols: make(map[PeerID]map[ProtocolID]struct{}),
		consensus: make(map[PeerID]ma.Multiaddr),
	}
}

// SetRand replaces the generator used for sampling.
func (m *PeerManager) SetRand(r *rand.Rand) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.rng = r
}

// OpenProtocol records that protocol is open on peer.
func (m *PeerManager) OpenProtocol(peer PeerID, protocol ProtocolID) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	open, ok := m.protocols[peer]
	if !ok {
		open = make(map[ProtocolID]struct{})
		m.protocols[peer] = open
	}
	open[protocol] = struct{}{}
}

// CloseProtocol records that protocol was closed on peer. The peer is
// forgotten once no protocol remains open on it.
func (m *PeerManager) CloseProtocol(peer PeerID, protocol ProtocolID) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	open, ok := m.protocols[peer]
	if !ok {
		return
	}
	delete(open, protocol)
	if len(open) == 0 {
		delete(m.protocols, peer)
	}
}

// HasProtocol reports whether protocol is open on peer.
func (m *PeerManager) HasProtocol(peer PeerID, protocol ProtocolID) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	_, ok := m.protocols[peer][protocol]
	return ok
}

// SetConsensusPeer marks peer as a consensus participant reachable at addr.
func (m *PeerManager) SetConsensusPeer(peer PeerID, addr ma.Multiaddr) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.consensus[peer] = addr
}

// RemoveConsensusPeer unmarks peer.
func (m *PeerManager) RemoveConsensusPeer(peer PeerID) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.consensus, peer)
}

// ConnectedConsensusPeers returns the addresses of the consensus peers that
// currently have at least one protocol open, ordered by peer ID.
func (m *PeerManager) ConnectedConsensusPeers() []ma.Multiaddr {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	peers := make([]PeerID, 0, len(m.consensus))
	for peer := range m.consensus {
		if len(m.protocols[peer]) > 0 {
			peers = append(peers, peer)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	addrs := make([]ma.Multiaddr, 0, len(peers))
	for _, peer := range peers {
		addrs = append(addrs, m.consensus[peer])
	}
	return addrs
}

// FetchRandomAddrs samples up to n distinct stored addresses.
func (m *PeerManager) FetchRandomAddrs(n int) []ma.Multiaddr {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.store.FetchRandomAddrs(m.rng, n)
}

// WithPeerStore runs fn with exclusive access to the address store.
func (m *PeerManager) WithPeerStore(fn func(*Store)) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	fn(m.store)
}
