package discovery

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/discovery/libs/log"
)

func mustAddr(t testing.TB, s string) ma.Multiaddr {
	t.Helper()
	addr, err := ma.NewMultiaddr(s)
	require.NoError(t, err)
	return addr
}

// publicAddrs generates n distinct, publicly routable TCP addresses.
func publicAddrs(t testing.TB, n int) []ma.Multiaddr {
	t.Helper()
	addrs := make([]ma.Multiaddr, 0, n)
	for i := 0; i < n; i++ {
		addrs = append(addrs, mustAddr(t, fmt.Sprintf("/ip4/8.%d.%d.%d/tcp/26656", (i>>16)&0xff, (i>>8)&0xff, i&0xff)))
	}
	return addrs
}

// longAddrs generates n distinct DNS addresses whose names are about nameLen
// bytes long.
func longAddrs(t testing.TB, n, nameLen int) []ma.Multiaddr {
	t.Helper()
	addrs := make([]ma.Multiaddr, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("n%d.%s", i, strings.Repeat("a", nameLen))
		addrs = append(addrs, mustAddr(t, "/dns4/"+name+"/tcp/26656"))
	}
	return addrs
}

// fakeAddrMgr is an in-memory AddressManager recording every call.
type fakeAddrMgr struct {
	mtx sync.Mutex

	registered   map[SessionID]string
	unregistered []SessionID
	added        map[SessionID][]ma.Multiaddr
	misbehaviors []Misbehavior
	result       MisbehaveResult
	random       []ma.Multiaddr
	consensus    []ma.Multiaddr
	invalid      map[string]bool
}

var _ AddressManager = (*fakeAddrMgr)(nil)

func newFakeAddrMgr() *fakeAddrMgr {
	return &fakeAddrMgr{
		registered: make(map[SessionID]string),
		added:      make(map[SessionID][]ma.Multiaddr),
		result:     MisbehaveDisconnect,
		invalid:    make(map[string]bool),
	}
}

func (f *fakeAddrMgr) Register(session Session, version string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.registered[session.ID] = version
}

func (f *fakeAddrMgr) Unregister(session Session) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	delete(f.registered, session.ID)
	f.unregistered = append(f.unregistered, session.ID)
}

func (f *fakeAddrMgr) IsValidAddr(addr ma.Multiaddr) bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return !f.invalid[addr.String()]
}

func (f *fakeAddrMgr) AddNewAddr(id SessionID, addr ma.Multiaddr) {
	f.AddNewAddrs(id, []ma.Multiaddr{addr})
}

func (f *fakeAddrMgr) AddNewAddrs(id SessionID, addrs []ma.Multiaddr) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.added[id] = append(f.added[id], addrs...)
}

func (f *fakeAddrMgr) Misbehave(id SessionID, kind Misbehavior) MisbehaveResult {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.misbehaviors = append(f.misbehaviors, kind)
	return f.result
}

func (f *fakeAddrMgr) GetRandom(n int) []ma.Multiaddr {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if n > len(f.random) {
		n = len(f.random)
	}
	out := make([]ma.Multiaddr, n)
	copy(out, f.random[:n])
	return out
}

func (f *fakeAddrMgr) ConsensusList() []ma.Multiaddr {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.consensus
}

func (f *fakeAddrMgr) Misbehaviors() []Misbehavior {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]Misbehavior(nil), f.misbehaviors...)
}

type sentMessage struct {
	id  SessionID
	msg *DiscoveryMessage
}

// testContext is a ProtocolContext recording what the Protocol asked of the
// host.
type testContext struct {
	t *testing.T

	listenAddrs    []ma.Multiaddr
	sent           []sentMessage
	disconnected   []SessionID
	notifyInterval time.Duration
	notifyToken    uint64
	sendErr        error
}

var _ ProtocolContext = (*testContext)(nil)

func newTestContext(t *testing.T) *testContext {
	return &testContext{t: t}
}

func (c *testContext) SetNotify(interval time.Duration, token uint64) error {
	c.notifyInterval = interval
	c.notifyToken = token
	return nil
}

func (c *testContext) SendMessage(id SessionID, bz []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	msg, err := Decode(bz)
	require.NoError(c.t, err)
	c.sent = append(c.sent, sentMessage{id: id, msg: msg})
	return nil
}

func (c *testContext) Disconnect(id SessionID) error {
	c.disconnected = append(c.disconnected, id)
	return nil
}

func (c *testContext) ListenAddrs() []ma.Multiaddr {
	return c.listenAddrs
}

// sentTo returns the messages sent to id since the last call, and forgets
// them.
func (c *testContext) sentTo(id SessionID) []*DiscoveryMessage {
	var (
		out  []*DiscoveryMessage
		keep []sentMessage
	)
	for _, s := range c.sent {
		if s.id == id {
			out = append(out, s.msg)
		} else {
			keep = append(keep, s)
		}
	}
	c.sent = keep
	return out
}

func newTestProtocol(t *testing.T, am AddressManager, opts ...Option) *Protocol {
	t.Helper()
	base := []Option{
		WithRand(rand.New(rand.NewSource(1))),
		WithLogger(log.TestingLogger()),
	}
	return NewProtocol(am, append(base, opts...)...)
}

func encode(t testing.TB, msg Wrapper) []byte {
	t.Helper()
	bz, err := Encode(msg)
	require.NoError(t, err)
	return bz
}
