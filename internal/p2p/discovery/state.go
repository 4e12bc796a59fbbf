package discovery

import (
	"strconv"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/tendermint/discovery/libs/log"
)

// SessionID identifies one transport session.
type SessionID uint64

// SessionType is the direction of a session.
type SessionType int

const (
	SessionTypeInbound SessionType = iota + 1
	SessionTypeOutbound
)

func (t SessionType) String() string {
	switch t {
	case SessionTypeInbound:
		return "inbound"
	case SessionTypeOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Session is the transport's description of a live connection.
type Session struct {
	ID      SessionID
	Address ma.Multiaddr
	Type    SessionType
}

// RemoteAddressKind tells whether a remote address is known to accept
// connections.
type RemoteAddressKind int

const (
	// Unconfirmed addresses were observed on the connection, and may carry an
	// ephemeral outbound port.
	Unconfirmed RemoteAddressKind = iota
	// Listening addresses are known to accept connections and can be
	// gossiped to third parties.
	Listening
)

// RemoteAddress is what we believe to be the peer's reachable address.
type RemoteAddress struct {
	Kind RemoteAddressKind
	Addr ma.Multiaddr
}

// UpdatePort replaces the TCP port of the address. Addresses without a TCP
// component are left untouched.
func (r *RemoteAddress) UpdatePort(port uint16) {
	if addr, ok := replaceTCPPort(r.Addr, port); ok {
		r.Addr = addr
	}
}

// ChangeToListen promotes the address to Listening.
func (r *RemoteAddress) ChangeToListen() {
	r.Kind = Listening
}

func (r RemoteAddress) String() string {
	if r.Kind == Listening {
		return "listening(" + r.Addr.String() + ")"
	}
	return "unconfirmed(" + r.Addr.String() + ")"
}

func replaceTCPPort(addr ma.Multiaddr, port uint16) (ma.Multiaddr, bool) {
	out := make(ma.Multiaddr, 0, len(addr))
	replaced := false
	for _, c := range addr {
		if !replaced && c.Code() == ma.P_TCP {
			tcp, err := ma.NewComponent("tcp", strconv.Itoa(int(port)))
			if err != nil {
				return addr, false
			}
			out = append(out, *tcp)
			replaced = true
			continue
		}
		out = append(out, c)
	}
	return out, replaced
}

func tcpPort(addr ma.Multiaddr) (uint16, bool) {
	v, err := addr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return 0, false
	}
	port, err := strconv.ParseUint(v, 10, 16)
	if err != nil || port == 0 {
		return 0, false
	}
	return uint16(port), true
}

// SessionState is the per-session bookkeeping of the Protocol. It lives
// exactly as long as the discovery protocol is open on the session.
type SessionState struct {
	session Session

	// set once the peer sent its single GetNodes
	receivedGetNodes bool
	// set once the peer sent its single non-announce Nodes
	receivedNodes bool

	remoteAddr    RemoteAddress
	addrKnown     *AddrKnown
	announceQueue []ma.Multiaddr
	lastAnnounce  time.Time
}

// newSessionState builds the state of a freshly opened session. Outbound
// sessions were dialed at a listen address, so their remote address is
// Listening from the start, and they open the exchange with a GetNodes
// request.
func newSessionState(ctx ProtocolContext, session Session, maxKnown int, logger log.Logger) *SessionState {
	state := &SessionState{
		session:       session,
		addrKnown:     NewAddrKnown(maxKnown),
		announceQueue: make([]ma.Multiaddr, 0, AnnounceThreshold),
		remoteAddr:    RemoteAddress{Kind: Unconfirmed, Addr: session.Address},
	}
	state.addrKnown.Insert(session.Address)

	if session.Type == SessionTypeOutbound {
		state.remoteAddr.ChangeToListen()

		req := &GetNodes{Version: Version, Count: uint32(MaxAddrToSend)}
		for _, addr := range ctx.ListenAddrs() {
			if port, ok := tcpPort(addr); ok {
				req.ListenPort = &ListenPort{Port: uint32(port)}
				break
			}
		}

		bz, err := Encode(req)
		if err == nil {
			err = ctx.SendMessage(session.ID, bz)
		}
		if err != nil {
			logger.Debug("failed to send GetNodes", "session", session.ID, "err", err)
		}
	}

	return state
}

// Session returns the transport session the state belongs to.
func (s *SessionState) Session() Session { return s.session }

// RemoteAddr returns the current belief about the peer's reachable address.
func (s *SessionState) RemoteAddr() RemoteAddress { return s.remoteAddr }

// AddrKnown returns the session's known-address cache.
func (s *SessionState) AddrKnown() *AddrKnown { return s.addrKnown }

// AnnounceQueue returns the addresses pending announcement to the peer. The
// returned slice must not be modified.
func (s *SessionState) AnnounceQueue() []ma.Multiaddr { return s.announceQueue }

// checkTimer reports the peer's own address when it is due for
// re-announcement: it was never announced, or interval has elapsed since the
// last time. Only Listening addresses are returned, but the timer is reset
// either way.
func (s *SessionState) checkTimer(now time.Time, interval time.Duration) (ma.Multiaddr, bool) {
	if !s.lastAnnounce.IsZero() && now.Sub(s.lastAnnounce) < interval {
		return nil, false
	}
	s.lastAnnounce = now
	if s.remoteAddr.Kind != Listening {
		return nil, false
	}
	return s.remoteAddr.Addr, true
}

// enqueueAnnounce queues addr for the next flush unless the queue is full or
// the peer already knows it. It reports whether addr was queued.
func (s *SessionState) enqueueAnnounce(addr ma.Multiaddr) bool {
	if len(s.announceQueue) >= AnnounceThreshold || s.addrKnown.Contains(addr) {
		return false
	}
	s.announceQueue = append(s.announceQueue, addr)
	s.addrKnown.Insert(addr)
	return true
}

// sendMessages flushes the announce queue as one announce batch. Addresses
// that do not fit in one message are dropped, and the queue is cleared whether
// or not the send succeeds. It returns the number of addresses flushed.
func (s *SessionState) sendMessages(ctx ProtocolContext, logger log.Logger) int {
	if len(s.announceQueue) == 0 {
		return 0
	}

	batch := fitMsgSize(true, s.announceQueue)
	n := len(batch)
	if n == 0 {
		s.announceQueue = s.announceQueue[:0]
		return 0
	}
	bz, err := Encode(NewNodes(true, batch))
	if err == nil {
		err = ctx.SendMessage(s.session.ID, bz)
	}
	if err != nil {
		logger.Debug("failed to send announce Nodes", "session", s.session.ID, "err", err)
	}

	s.announceQueue = s.announceQueue[:0]
	return n
}
