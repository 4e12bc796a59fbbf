package discovery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/tendermint/discovery/libs/log"
	"github.com/tendermint/discovery/libs/service"
)

var (
	_ service.Service = (*Reactor)(nil)
	_ ProtocolContext = (*Reactor)(nil)
)

var (
	// ErrSessionNotFound is returned when addressing a session that is not
	// open.
	ErrSessionNotFound = errors.New("session not found")

	// ErrReactorStopped is returned when handing an event to a stopped
	// reactor.
	ErrReactorStopped = errors.New("discovery reactor stopped")
)

// eventBufferSize is the capacity of the reactor's inbound event queue.
const eventBufferSize = 256

// Transport is the host connection layer the reactor sends through.
type Transport interface {
	// SendMessage queues msg on the discovery protocol of a session.
	SendMessage(id SessionID, msg []byte) error
	// Disconnect terminates a session. The host reports the closure back with
	// CloseSession, either from within Disconnect or later.
	Disconnect(id SessionID) error
}

type eventType int

const (
	eventOpened eventType = iota
	eventClosed
	eventReceived
)

type event struct {
	typ     eventType
	session Session
	version string
	data    []byte
}

// Reactor drives a Protocol from a single goroutine. Hosts report session
// lifecycle and inbound messages through OpenSession, CloseSession and
// Deliver; the reactor feeds them, along with the gossip timer, to the
// Protocol one at a time.
type Reactor struct {
	service.BaseService

	protocol    *Protocol
	transport   Transport
	listenAddrs []ma.Multiaddr

	events  chan event
	closeCh chan struct{}
	doneCh  chan struct{}

	// closures reported while the event loop is inside Transport.Disconnect
	mtx           sync.Mutex
	disconnecting bool
	pendingCloses []SessionID

	// owned by the event loop once started
	sessions       map[SessionID]Session
	notifyInterval time.Duration
	notifyToken    uint64
}

// NewReactor returns a reference to a new reactor.
func NewReactor(
	logger log.Logger,
	protocol *Protocol,
	transport Transport,
	listenAddrs []ma.Multiaddr,
) *Reactor {
	r := &Reactor{
		protocol:    protocol,
		transport:   transport,
		listenAddrs: listenAddrs,
		events:      make(chan event, eventBufferSize),
		closeCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
		sessions:    make(map[SessionID]Session),
	}

	r.BaseService = *service.NewBaseService(logger, "Discovery", r)
	return r
}

// OnStart initializes the protocol and starts the event loop. The caller must
// be sure to execute Stop to ensure the loop exits.
func (r *Reactor) OnStart(ctx context.Context) error {
	if err := r.protocol.Init(r); err != nil {
		return fmt.Errorf("failed to initialize discovery protocol: %w", err)
	}

	go r.processEvents()
	return nil
}

// OnStop stops the reactor by signaling the event loop to exit and blocking
// until it does.
func (r *Reactor) OnStop() {
	close(r.closeCh)
	<-r.doneCh
}

// OpenSession reports that the discovery protocol opened on session.
func (r *Reactor) OpenSession(session Session, version string) error {
	return r.enqueue(event{typ: eventOpened, session: session, version: version})
}

// CloseSession reports that the discovery protocol closed on a session. It
// may be called from within Transport.Disconnect.
func (r *Reactor) CloseSession(id SessionID) error {
	r.mtx.Lock()
	if r.disconnecting {
		r.pendingCloses = append(r.pendingCloses, id)
		r.mtx.Unlock()
		return nil
	}
	r.mtx.Unlock()

	return r.enqueue(event{typ: eventClosed, session: Session{ID: id}})
}

// Deliver hands a message received on a session to the protocol.
func (r *Reactor) Deliver(id SessionID, data []byte) error {
	return r.enqueue(event{typ: eventReceived, session: Session{ID: id}, data: data})
}

// enqueue blocks while the event queue is full, and fails once the reactor
// has stopped.
func (r *Reactor) enqueue(ev event) error {
	select {
	case <-r.closeCh:
		return ErrReactorStopped
	default:
	}

	select {
	case r.events <- ev:
		return nil
	case <-r.closeCh:
		return ErrReactorStopped
	}
}

// processEvents implements a blocking event loop where we listen for session
// events and timer ticks.
func (r *Reactor) processEvents() {
	defer close(r.doneCh)

	var tick <-chan time.Time
	if r.notifyInterval > 0 {
		ticker := time.NewTicker(r.notifyInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.closeCh:
			r.Logger.Debug("stopped discovery event loop")
			return

		case <-tick:
			r.handleNotify()

		case ev := <-r.events:
			if err := r.handleEvent(ev); err != nil {
				r.Logger.Error("failed to process event", "session", ev.session.ID, "err", err)
			}
		}

		r.processPendingCloses()
	}
}

// processPendingCloses handles the closures reported during the last
// dispatch.
func (r *Reactor) processPendingCloses() {
	r.mtx.Lock()
	ids := r.pendingCloses
	r.pendingCloses = nil
	r.mtx.Unlock()

	for _, id := range ids {
		if err := r.handleEvent(event{typ: eventClosed, session: Session{ID: id}}); err != nil {
			r.Logger.Error("failed to process event", "session", id, "err", err)
		}
	}
}

func (r *Reactor) handleNotify() {
	defer func() {
		if e := recover(); e != nil {
			r.Logger.Error(
				"recovering from discovery notify panic",
				"err", fmt.Errorf("panic in notify: %v", e),
				"stack", string(debug.Stack()),
			)
		}
	}()

	r.protocol.Notify(r, r.notifyToken)
}

// handleEvent dispatches one event to the protocol.
func (r *Reactor) handleEvent(ev event) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("panic in processing event: %v", e)
			r.Logger.Error(
				"recovering from processing event panic",
				"err", err,
				"stack", string(debug.Stack()),
			)
		}
	}()

	switch ev.typ {
	case eventOpened:
		if _, ok := r.sessions[ev.session.ID]; ok {
			return fmt.Errorf("session %d already open", ev.session.ID)
		}
		r.sessions[ev.session.ID] = ev.session
		r.protocol.Connected(r, ev.session, ev.version)

	case eventClosed:
		session, ok := r.sessions[ev.session.ID]
		if !ok {
			return ErrSessionNotFound
		}
		delete(r.sessions, session.ID)
		r.protocol.Disconnected(r, session)

	case eventReceived:
		session, ok := r.sessions[ev.session.ID]
		if !ok {
			return ErrSessionNotFound
		}
		r.protocol.Received(r, session, ev.data)

	default:
		return fmt.Errorf("unknown event type: %d", ev.typ)
	}

	return nil
}

// SetNotify implements ProtocolContext. It only takes effect before the
// event loop starts.
func (r *Reactor) SetNotify(interval time.Duration, token uint64) error {
	if interval <= 0 {
		return fmt.Errorf("invalid notify interval: %v", interval)
	}
	r.notifyInterval = interval
	r.notifyToken = token
	return nil
}

// SendMessage implements ProtocolContext.
func (r *Reactor) SendMessage(id SessionID, msg []byte) error {
	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	return r.transport.SendMessage(id, msg)
}

// Disconnect implements ProtocolContext.
func (r *Reactor) Disconnect(id SessionID) error {
	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}

	r.mtx.Lock()
	r.disconnecting = true
	r.mtx.Unlock()
	defer func() {
		r.mtx.Lock()
		r.disconnecting = false
		r.mtx.Unlock()
	}()

	return r.transport.Disconnect(id)
}

// ListenAddrs implements ProtocolContext.
func (r *Reactor) ListenAddrs() []ma.Multiaddr {
	return r.listenAddrs
}
