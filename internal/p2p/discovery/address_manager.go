package discovery

import (
	"fmt"
	"sync"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/tendermint/discovery/internal/p2p/peerstore"
	"github.com/tendermint/discovery/libs/log"
)

// DiscoveryProtocolID is the protocol name registered with the PeerManager
// while discovery is open on a peer.
const DiscoveryProtocolID peerstore.ProtocolID = "/discovery"

// MisbehaviorPolicy decides what happens to a session that misbehaved.
type MisbehaviorPolicy interface {
	Misbehave(id SessionID, kind Misbehavior) MisbehaveResult
	// Forget drops any state kept for a closed session.
	Forget(id SessionID)
}

// StrictPolicy disconnects on every misbehavior.
type StrictPolicy struct{}

func (StrictPolicy) Misbehave(SessionID, Misbehavior) MisbehaveResult { return MisbehaveDisconnect }
func (StrictPolicy) Forget(SessionID)                                 {}

// DefaultPenalties are the per-kind scores charged by a ScorePolicy.
var DefaultPenalties = map[MisbehaviorKind]int{
	DuplicateGetNodes:   25,
	DuplicateFirstNodes: 25,
	TooManyItems:        50,
	TooManyAddresses:    50,
	InvalidData:         10,
}

// ScorePolicy accumulates penalties per session and disconnects once the
// total reaches the ban score. Kinds without a penalty are charged the ban
// score outright.
type ScorePolicy struct {
	mtx       sync.Mutex
	banScore  int
	penalties map[MisbehaviorKind]int
	scores    map[SessionID]int
}

// NewScorePolicy creates a ScorePolicy. A nil penalties map selects
// DefaultPenalties.
func NewScorePolicy(banScore int, penalties map[MisbehaviorKind]int) *ScorePolicy {
	if penalties == nil {
		penalties = DefaultPenalties
	}
	return &ScorePolicy{
		banScore:  banScore,
		penalties: penalties,
		scores:    make(map[SessionID]int),
	}
}

func (p *ScorePolicy) Misbehave(id SessionID, kind Misbehavior) MisbehaveResult {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	penalty, ok := p.penalties[kind.Kind]
	if !ok {
		penalty = p.banScore
	}
	p.scores[id] += penalty
	if p.scores[id] >= p.banScore {
		return MisbehaveDisconnect
	}
	return MisbehaveContinue
}

func (p *ScorePolicy) Forget(id SessionID) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	delete(p.scores, id)
}

// Score returns the accumulated penalty of a session.
func (p *ScorePolicy) Score(id SessionID) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.scores[id]
}

// DiscoveryAddressManager is the AddressManager backed by a
// peerstore.PeerManager.
type DiscoveryAddressManager struct {
	logger       log.Logger
	peerManager  *peerstore.PeerManager
	policy       MisbehaviorPolicy
	localAddress bool

	mtx      sync.Mutex
	sessions map[SessionID]ma.Multiaddr
}

var _ AddressManager = (*DiscoveryAddressManager)(nil)

// NewDiscoveryAddressManager creates an address manager. When localAddress is
// set, private and loopback addresses are accepted too. A nil policy selects
// StrictPolicy.
func NewDiscoveryAddressManager(
	logger log.Logger,
	peerManager *peerstore.PeerManager,
	policy MisbehaviorPolicy,
	localAddress bool,
) *DiscoveryAddressManager {
	if policy == nil {
		policy = StrictPolicy{}
	}
	return &DiscoveryAddressManager{
		logger:       logger,
		peerManager:  peerManager,
		policy:       policy,
		localAddress: localAddress,
		sessions:     make(map[SessionID]ma.Multiaddr),
	}
}

// sessionPeerID names the peer behind a session: its /p2p component if the
// address carries one, otherwise the address itself.
func sessionPeerID(session Session) peerstore.PeerID {
	if session.Address == nil {
		return peerstore.PeerID(fmt.Sprintf("session-%d", session.ID))
	}
	if id, err := session.Address.ValueForProtocol(ma.P_P2P); err == nil {
		return peerstore.PeerID(id)
	}
	return peerstore.PeerID(session.Address.String())
}

func (m *DiscoveryAddressManager) Register(session Session, version string) {
	if session.Address != nil {
		m.mtx.Lock()
		m.sessions[session.ID] = session.Address
		m.mtx.Unlock()
	}
	m.peerManager.OpenProtocol(sessionPeerID(session), DiscoveryProtocolID)
}

func (m *DiscoveryAddressManager) Unregister(session Session) {
	m.mtx.Lock()
	delete(m.sessions, session.ID)
	m.mtx.Unlock()

	m.peerManager.CloseProtocol(sessionPeerID(session), DiscoveryProtocolID)
	m.policy.Forget(session.ID)
}

func (m *DiscoveryAddressManager) IsValidAddr(addr ma.Multiaddr) bool {
	if len(addr) == 0 {
		return false
	}
	if _, ok := tcpPort(addr); !ok {
		return false
	}
	if manet.IsIPUnspecified(addr) {
		return false
	}
	return m.localAddress || manet.IsPublicAddr(addr)
}

// AddNewAddr stores the listen address learned for a session. It replaces the
// observed address of the session, so that a later misbehavior is recorded
// against the address other peers dial.
func (m *DiscoveryAddressManager) AddNewAddr(id SessionID, addr ma.Multiaddr) {
	if m.IsValidAddr(addr) {
		m.mtx.Lock()
		if _, ok := m.sessions[id]; ok {
			m.sessions[id] = addr
		}
		m.mtx.Unlock()
	}
	m.AddNewAddrs(id, []ma.Multiaddr{addr})
}

func (m *DiscoveryAddressManager) AddNewAddrs(id SessionID, addrs []ma.Multiaddr) {
	valid := make([]ma.Multiaddr, 0, len(addrs))
	for _, addr := range addrs {
		if m.IsValidAddr(addr) {
			valid = append(valid, addr)
		}
	}
	if len(valid) == 0 {
		return
	}

	m.peerManager.WithPeerStore(func(store *peerstore.Store) {
		for _, addr := range valid {
			if err := store.AddAddr(addr); err != nil {
				m.logger.Error("failed to store address", "session", id, "addr", addr, "err", err)
			}
		}
	})
}

func (m *DiscoveryAddressManager) Misbehave(id SessionID, kind Misbehavior) MisbehaveResult {
	result := m.policy.Misbehave(id, kind)
	m.logger.Info("session misbehaved", "session", id, "misbehavior", kind, "result", result)

	if result.IsDisconnect() {
		m.mtx.Lock()
		addr, ok := m.sessions[id]
		m.mtx.Unlock()
		if ok {
			m.peerManager.WithPeerStore(func(store *peerstore.Store) {
				if err := store.MarkMisbehaved(addr); err != nil {
					m.logger.Error("failed to record misbehavior", "session", id, "addr", addr, "err", err)
				}
			})
		}
	}
	return result
}

func (m *DiscoveryAddressManager) GetRandom(n int) []ma.Multiaddr {
	addrs := m.peerManager.FetchRandomAddrs(n)
	out := addrs[:0]
	for _, addr := range addrs {
		if m.IsValidAddr(addr) {
			out = append(out, addr)
		}
	}
	return out
}

func (m *DiscoveryAddressManager) ConsensusList() []ma.Multiaddr {
	return m.peerManager.ConnectedConsensusPeers()
}
