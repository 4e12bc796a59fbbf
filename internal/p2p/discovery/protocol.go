package discovery

import (
	"math/rand"
	"sort"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/tendermint/discovery/libs/log"
	tmrand "github.com/tendermint/discovery/libs/rand"
)

const (
	// AnnounceCheckInterval is the default period of the gossip timer.
	AnnounceCheckInterval = 60 * time.Second

	// AnnounceThreshold bounds the items of one announce batch, and the
	// addresses queued for announcement to one session.
	AnnounceThreshold = 10

	// MaxAddrToSend bounds the items of a non-announce batch, and therefore
	// the size of a GetNodes response.
	MaxAddrToSend = 1000

	// MaxAddrs bounds the addresses carried by one Node.
	MaxAddrs = 3

	// AnnounceInterval is how often a session's own address is re-announced.
	AnnounceInterval = 24 * time.Hour

	// GetRandomLimit is how many candidates are sampled from the address
	// manager to answer one GetNodes.
	GetRandomLimit = 2500

	// ReusePortVersion is the first protocol version whose peers dial out
	// from their listen port, making their observed address gossipable.
	ReusePortVersion uint32 = 1

	// Version is the discovery protocol version spoken by this node.
	Version uint32 = 1

	// NotifyToken is the timer token registered by Init.
	NotifyToken uint64 = 0

	// announceFanout is how many sessions each gossip candidate is offered to
	// per timer tick.
	announceFanout = 3
)

// ProtocolContext is the host's side of the protocol boundary: the services
// the Protocol needs from the transport while handling an event.
type ProtocolContext interface {
	// SetNotify asks the host to call Notify with token every interval.
	SetNotify(interval time.Duration, token uint64) error
	// SendMessage queues msg on the discovery protocol of a session.
	SendMessage(id SessionID, msg []byte) error
	// Disconnect terminates a session.
	Disconnect(id SessionID) error
	// ListenAddrs returns the addresses this node accepts connections on.
	ListenAddrs() []ma.Multiaddr
}

// Protocol is the discovery state machine. It learns addresses from peers
// through GetNodes/Nodes exchanges, and gossips addresses to them on a timer.
//
// Protocol does no locking: the host must deliver every event (Init,
// Connected, Disconnected, Received, Notify) from a single goroutine, handling
// each to completion before the next. The gossip caps rely on this.
type Protocol struct {
	logger  log.Logger
	metrics *Metrics
	addrMgr AddressManager

	sessions map[SessionID]*SessionState

	announceCheckInterval time.Duration
	maxKnown              int
	rng                   *rand.Rand
	now                   func() time.Time
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithAnnounceCheckInterval overrides the gossip timer period.
func WithAnnounceCheckInterval(d time.Duration) Option {
	return func(p *Protocol) {
		if d > 0 {
			p.announceCheckInterval = d
		}
	}
}

// WithRand sets the generator used for response sampling and fanout.
func WithRand(r *rand.Rand) Option {
	return func(p *Protocol) { p.rng = r }
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(p *Protocol) { p.logger = logger }
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(p *Protocol) { p.metrics = m }
}

// WithMaxKnown sets the capacity of each session's known-address cache.
func WithMaxKnown(n int) Option {
	return func(p *Protocol) { p.maxKnown = n }
}

// WithClock overrides the time source used for self-announcement.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// NewProtocol creates a discovery protocol backed by addrMgr.
func NewProtocol(addrMgr AddressManager, opts ...Option) *Protocol {
	p := &Protocol{
		logger:                log.NewNopLogger(),
		metrics:               NopMetrics(),
		addrMgr:               addrMgr,
		sessions:              make(map[SessionID]*SessionState),
		announceCheckInterval: AnnounceCheckInterval,
		maxKnown:              DefaultMaxKnown,
		now:                   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rng == nil {
		p.rng = tmrand.NewRand()
	}
	return p
}

// Init registers the gossip timer with the host.
func (p *Protocol) Init(ctx ProtocolContext) error {
	p.logger.Debug("discovery protocol init", "announce_check_interval", p.announceCheckInterval)
	return ctx.SetNotify(p.announceCheckInterval, NotifyToken)
}

// Connected sets up state for a session on which the protocol just opened.
func (p *Protocol) Connected(ctx ProtocolContext, session Session, version string) {
	p.logger.Debug("discovery protocol open",
		"session", session.ID,
		"address", session.Address,
		"type", session.Type,
		"version", version,
	)

	p.addrMgr.Register(session, version)
	p.sessions[session.ID] = newSessionState(ctx, session, p.maxKnown, p.logger)
	p.metrics.Sessions.Set(float64(len(p.sessions)))
}

// Disconnected drops the state of a closed session, including any addresses
// still queued for announcement to it.
func (p *Protocol) Disconnected(ctx ProtocolContext, session Session) {
	delete(p.sessions, session.ID)
	p.addrMgr.Unregister(session)
	p.metrics.Sessions.Set(float64(len(p.sessions)))

	p.logger.Debug("discovery protocol closed", "session", session.ID)
}

// Received handles a message from a session.
func (p *Protocol) Received(ctx ProtocolContext, session Session, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		p.logger.Debug("failed to decode discovery message", "session", session.ID, "len", len(data), "err", err)
		p.metrics.MessagesReceived.With("message_type", "invalid").Add(1)
		p.misbehave(ctx, session.ID, newMisbehavior(InvalidData))
		return
	}

	payload, err := msg.Unwrap()
	if err != nil {
		p.misbehave(ctx, session.ID, newMisbehavior(InvalidData))
		return
	}

	switch m := payload.(type) {
	case *GetNodes:
		p.metrics.MessagesReceived.With("message_type", "get_nodes").Add(1)
		p.handleGetNodes(ctx, session, m)

	case *Nodes:
		p.metrics.MessagesReceived.With("message_type", "nodes").Add(1)
		p.handleNodes(ctx, session, m)

	case nil:
		p.metrics.MessagesReceived.With("message_type", "empty").Add(1)
	}
}

func (p *Protocol) handleGetNodes(ctx ProtocolContext, session Session, msg *GetNodes) {
	state, ok := p.sessions[session.ID]
	if !ok {
		p.logger.Debug("GetNodes from unknown session", "session", session.ID)
		return
	}

	if state.receivedGetNodes && p.misbehave(ctx, session.ID, newMisbehavior(DuplicateGetNodes)) {
		return
	}
	state.receivedGetNodes = true

	// Sample before learning the requester's listen address, so that the
	// address it just told us about is not echoed back to it.
	items := p.addrMgr.GetRandom(GetRandomLimit)

	if port, ok := msg.ListenPort.Value(); ok {
		state.remoteAddr.UpdatePort(port)
		state.addrKnown.Insert(state.remoteAddr.Addr)
		if state.remoteAddr.Kind == Listening {
			p.addrMgr.AddNewAddr(session.ID, state.remoteAddr.Addr)
		}
	}
	if msg.Version >= ReusePortVersion {
		state.remoteAddr.ChangeToListen()
	}

	limit := MaxAddrToSend
	if msg.Count < uint32(limit) {
		limit = int(msg.Count)
	}
	if len(items) > limit {
		sample := make([]ma.Multiaddr, 0, limit)
		for _, idx := range tmrand.Choose(p.rng, len(items), limit) {
			sample = append(sample, items[idx])
		}
		items = sample
	}
	if fit := fitMsgSize(false, items); len(fit) < len(items) {
		p.logger.Debug("truncated Nodes response to the message size limit",
			"session", session.ID, "sampled", len(items), "sent", len(fit))
		items = fit
	}

	state.addrKnown.Extend(items)
	p.metrics.ResponseAddrs.Observe(float64(len(items)))

	bz, err := Encode(NewNodes(false, items))
	if err == nil {
		err = ctx.SendMessage(session.ID, bz)
	}
	if err != nil {
		p.logger.Debug("failed to send Nodes response", "session", session.ID, "err", err)
	}
}

func (p *Protocol) handleNodes(ctx ProtocolContext, session Session, msg *Nodes) {
	if misbehavior, bad := VerifyNodesMessage(msg); bad {
		p.logger.Debug("invalid Nodes message", "session", session.ID, "misbehavior", misbehavior)
		if p.misbehave(ctx, session.ID, misbehavior) {
			return
		}
	}

	state, ok := p.sessions[session.ID]
	if !ok {
		p.logger.Debug("Nodes from unknown session", "session", session.ID)
		return
	}

	// The first non-announce batch is the handshake response; an announce
	// batch may legitimately arrive before it, but never a second one.
	if !msg.Announce && state.receivedNodes {
		p.logger.Info("already received Nodes(announce=false) message", "session", session.ID)
		p.misbehave(ctx, session.ID, newMisbehavior(DuplicateFirstNodes))
		return
	}

	addrs, invalid := msg.Multiaddrs()
	if invalid > 0 {
		p.logger.Debug("dropped unparsable addresses", "session", session.ID, "count", invalid)
	}

	state.addrKnown.Extend(addrs)
	if !msg.Announce {
		state.receivedNodes = true
	}
	p.addrMgr.AddNewAddrs(session.ID, addrs)
}

// Notify runs one gossip round: queued announcements are flushed to every
// session, then each candidate address is offered to up to three random
// sessions. Candidates are the sessions' own addresses that are due for
// re-announcement plus the consensus peers' addresses.
func (p *Protocol) Notify(ctx ProtocolContext, _ uint64) {
	now := p.now()
	ids := p.sessionIDs()

	var candidates []ma.Multiaddr
	for _, id := range ids {
		state := p.sessions[id]

		if n := state.sendMessages(ctx, p.logger); n > 0 {
			p.metrics.AnnouncedAddrs.Add(float64(n))
		}

		if addr, ok := state.checkTimer(now, AnnounceInterval); ok && p.addrMgr.IsValidAddr(addr) {
			candidates = append(candidates, addr)
		}
	}

	for _, addr := range p.addrMgr.ConsensusList() {
		if p.addrMgr.IsValidAddr(addr) {
			candidates = append(candidates, addr)
		}
	}

	if len(candidates) == 0 || len(ids) == 0 {
		return
	}

	for _, addr := range candidates {
		p.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

		for _, id := range ids[:minInt(announceFanout, len(ids))] {
			state := p.sessions[id]
			if state.enqueueAnnounce(addr) {
				p.logger.Debug("queued announce", "addr", addr, "session", id, "remote", state.remoteAddr)
			}
		}
	}
}

// SessionState returns the state of a live session.
func (p *Protocol) SessionState(id SessionID) (*SessionState, bool) {
	state, ok := p.sessions[id]
	return state, ok
}

// NumSessions returns the number of sessions with the protocol open.
func (p *Protocol) NumSessions() int {
	return len(p.sessions)
}

// misbehave reports a violation to the address manager and disconnects the
// session if told to. It reports whether the session was disconnected.
func (p *Protocol) misbehave(ctx ProtocolContext, id SessionID, kind Misbehavior) bool {
	p.metrics.Misbehaviors.With("kind", kind.Kind.String()).Add(1)

	result := p.addrMgr.Misbehave(id, kind)
	p.logger.Debug("peer misbehaved", "session", id, "misbehavior", kind, "result", result)
	if !result.IsDisconnect() {
		return false
	}

	if err := ctx.Disconnect(id); err != nil {
		p.logger.Debug("failed to disconnect session", "session", id, "err", err)
	}
	return true
}

// sessionIDs returns the live session IDs in ascending order, so that a seeded
// generator yields reproducible fanout.
func (p *Protocol) sessionIDs() []SessionID {
	ids := make([]SessionID, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
