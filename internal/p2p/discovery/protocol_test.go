package discovery

import (
	"fmt"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func inboundSession(t *testing.T, id SessionID) Session {
	return Session{
		ID:      id,
		Address: mustAddr(t, fmt.Sprintf("/ip4/9.9.%d.%d/tcp/51000", (id>>8)&0xff, id&0xff)),
		Type:    SessionTypeInbound,
	}
}

func TestProtocol_Init(t *testing.T) {
	ctx := newTestContext(t)
	p := newTestProtocol(t, newFakeAddrMgr(), WithAnnounceCheckInterval(5*time.Second))

	require.NoError(t, p.Init(ctx))
	require.Equal(t, 5*time.Second, ctx.notifyInterval)
	require.Equal(t, NotifyToken, ctx.notifyToken)
}

func TestProtocol_ConnectedDisconnected(t *testing.T) {
	ctx := newTestContext(t)
	am := newFakeAddrMgr()
	p := newTestProtocol(t, am)

	session := inboundSession(t, 1)
	p.Connected(ctx, session, "1")
	require.Equal(t, "1", am.registered[1])
	require.Equal(t, 1, p.NumSessions())

	state, ok := p.SessionState(1)
	require.True(t, ok)
	require.Equal(t, session.ID, state.Session().ID)

	p.Disconnected(ctx, session)
	require.Zero(t, p.NumSessions())
	require.Equal(t, []SessionID{1}, am.unregistered)
	_, ok = p.SessionState(1)
	require.False(t, ok)
}

func TestProtocol_GetNodesResponse(t *testing.T) {
	ctx := newTestContext(t)
	am := newFakeAddrMgr()
	am.random = publicAddrs(t, 20)
	p := newTestProtocol(t, am)

	session := inboundSession(t, 1)
	p.Connected(ctx, session, "1")
	p.Received(ctx, session, encode(t, &GetNodes{ListenPort: &ListenPort{Port: 26656}, Count: 5, Version: Version}))

	sent := ctx.sentTo(1)
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Nodes)
	require.False(t, sent[0].Nodes.Announce)
	require.Len(t, sent[0].Nodes.Items, 5)

	state, _ := p.SessionState(1)
	for _, item := range sent[0].Nodes.Items {
		require.Len(t, item.Addrs, 1)
		addrs, invalid := item.Multiaddrs()
		require.Zero(t, invalid)
		require.True(t, state.AddrKnown().Contains(addrs[0]))
	}

	// the listen port replaced the ephemeral one, and the peer is now
	// considered listening
	require.Equal(t, "/ip4/9.9.0.1/tcp/26656", state.RemoteAddr().Addr.String())
	require.Equal(t, Listening, state.RemoteAddr().Kind)
	require.True(t, state.AddrKnown().Contains(state.RemoteAddr().Addr))

	// inbound peers are unconfirmed when the listen port arrives
	require.Empty(t, am.added[1])
}

func TestProtocol_GetNodesFromListeningPeer(t *testing.T) {
	ctx := newTestContext(t)
	am := newFakeAddrMgr()
	p := newTestProtocol(t, am)

	session := Session{ID: 1, Address: mustAddr(t, "/ip4/9.9.9.9/tcp/26656"), Type: SessionTypeOutbound}
	p.Connected(ctx, session, "1")
	p.Received(ctx, session, encode(t, &GetNodes{ListenPort: &ListenPort{Port: 26657}, Count: 10, Version: Version}))

	require.Len(t, am.added[1], 1)
	require.Equal(t, "/ip4/9.9.9.9/tcp/26657", am.added[1][0].String())

	sent := ctx.sentTo(1)
	// handshake GetNodes, then an empty response
	require.Len(t, sent, 2)
	require.NotNil(t, sent[0].GetNodes)
	require.NotNil(t, sent[1].Nodes)
	require.Empty(t, sent[1].Nodes.Items)
}

func TestProtocol_GetNodesClampsCount(t *testing.T) {
	ctx := newTestContext(t)
	am := newFakeAddrMgr()
	am.random = publicAddrs(t, 1500)
	p := newTestProtocol(t, am)

	session := inboundSession(t, 1)
	p.Connected(ctx, session, "1")
	p.Received(ctx, session, encode(t, &GetNodes{Count: 5000, Version: Version}))

	sent := ctx.sentTo(1)
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Nodes.Items, MaxAddrToSend)

	seen := make(map[string]struct{})
	for _, item := range sent[0].Nodes.Items {
		seen[string(item.Addrs[0])] = struct{}{}
	}
	require.Len(t, seen, MaxAddrToSend)
}

func TestProtocol_GetNodesFitsMessageSize(t *testing.T) {
	ctx := newTestContext(t)
	am := newFakeAddrMgr()
	am.random = longAddrs(t, 600, 2000)
	p := newTestProtocol(t, am)

	session := inboundSession(t, 1)
	p.Connected(ctx, session, "1")
	p.Received(ctx, session, encode(t, &GetNodes{Count: MaxAddrToSend, Version: Version}))

	// the recording context fails the test on responses it cannot decode
	sent := ctx.sentTo(1)
	require.Len(t, sent, 1)
	require.NotEmpty(t, sent[0].Nodes.Items)
	require.Less(t, len(sent[0].Nodes.Items), len(am.random))
	require.Empty(t, ctx.disconnected)
}

func TestProtocol_DuplicateGetNodes(t *testing.T) {
	ctx := newTestContext(t)
	am := newFakeAddrMgr()
	p := newTestProtocol(t, am)

	session := inboundSession(t, 1)
	p.Connected(ctx, session, "1")

	p.Received(ctx, session, encode(t, &GetNodes{Count: 10, Version: Version}))
	require.Empty(t, am.Misbehaviors())
	require.Empty(t, ctx.disconnected)

	p.Received(ctx, session, encode(t, &GetNodes{Count: 10, Version: Version}))
	require.Equal(t, []Misbehavior{{Kind: DuplicateGetNodes}}, am.Misbehaviors())
	require.Equal(t, []SessionID{1}, ctx.disconnected)

	// the duplicate was not answered
	require.Len(t, ctx.sentTo(1), 1)
}

func TestProtocol_DuplicateGetNodesTolerated(t *testing.T) {
	ctx := newTestContext(t)
	am := newFakeAddrMgr()
	am.result = MisbehaveContinue
	p := newTestProtocol(t, am)

	session := inboundSession(t, 1)
	p.Connected(ctx, session, "1")
	p.Received(ctx, session, encode(t, &GetNodes{Count: 10, Version: Version}))
	p.Received(ctx, session, encode(t, &GetNodes{Count: 10, Version: Version}))

	require.Len(t, am.Misbehaviors(), 1)
	require.Empty(t, ctx.disconnected)
	require.Len(t, ctx.sentTo(1), 2)
}

func TestProtocol_DuplicateFirstNodes(t *testing.T) {
	ctx := newTestContext(t)
	am := newFakeAddrMgr()
	p := newTestProtocol(t, am)

	session := inboundSession(t, 1)
	p.Connected(ctx, session, "1")
	addrs := publicAddrs(t, 4)

	// announce batches are accepted before and after the first response
	p.Received(ctx, session, encode(t, NewNodes(true, addrs[:1])))
	p.Received(ctx, session, encode(t, NewNodes(false, addrs[1:2])))
	p.Received(ctx, session, encode(t, NewNodes(true, addrs[2:3])))
	require.Empty(t, am.Misbehaviors())
	require.Len(t, am.added[1], 3)

	p.Received(ctx, session, encode(t, NewNodes(false, addrs[3:])))
	require.Equal(t, []Misbehavior{{Kind: DuplicateFirstNodes}}, am.Misbehaviors())
	require.Equal(t, []SessionID{1}, ctx.disconnected)
	require.Len(t, am.added[1], 3)

	state, _ := p.SessionState(1)
	require.False(t, state.AddrKnown().Contains(addrs[3]))
}

func TestProtocol_NodesLearned(t *testing.T) {
	ctx := newTestContext(t)
	am := newFakeAddrMgr()
	p := newTestProtocol(t, am)

	session := inboundSession(t, 1)
	p.Connected(ctx, session, "1")
	addrs := publicAddrs(t, 3)

	nodes := &Nodes{Items: []*Node{
		NewNode(addrs[0], addrs[1]),
		{Addrs: [][]byte{addrs[2].Bytes(), {0xde, 0xad}}},
	}}
	p.Received(ctx, session, encode(t, nodes))

	require.Empty(t, am.Misbehaviors())
	require.Len(t, am.added[1], 3)
	state, _ := p.SessionState(1)
	for _, addr := range addrs {
		require.True(t, state.AddrKnown().Contains(addr))
	}
}

func TestProtocol_OversizedNodes(t *testing.T) {
	addrs := publicAddrs(t, AnnounceThreshold+1)

	t.Run("disconnect", func(t *testing.T) {
		ctx := newTestContext(t)
		am := newFakeAddrMgr()
		p := newTestProtocol(t, am)
		session := inboundSession(t, 1)
		p.Connected(ctx, session, "1")

		p.Received(ctx, session, encode(t, NewNodes(true, addrs)))
		require.Equal(t, []Misbehavior{{Kind: TooManyItems, Announce: true, Length: AnnounceThreshold + 1}}, am.Misbehaviors())
		require.Equal(t, []SessionID{1}, ctx.disconnected)
		require.Empty(t, am.added[1])
	})

	t.Run("continue", func(t *testing.T) {
		ctx := newTestContext(t)
		am := newFakeAddrMgr()
		am.result = MisbehaveContinue
		p := newTestProtocol(t, am)
		session := inboundSession(t, 1)
		p.Connected(ctx, session, "1")

		p.Received(ctx, session, encode(t, NewNodes(true, addrs)))
		require.Len(t, am.Misbehaviors(), 1)
		require.Empty(t, ctx.disconnected)
		require.Len(t, am.added[1], len(addrs))
	})
}

func TestProtocol_InvalidData(t *testing.T) {
	ctx := newTestContext(t)
	am := newFakeAddrMgr()
	p := newTestProtocol(t, am)

	session := inboundSession(t, 1)
	p.Connected(ctx, session, "1")
	p.Received(ctx, session, []byte{0xff, 0xff, 0xff})

	require.Equal(t, []Misbehavior{{Kind: InvalidData}}, am.Misbehaviors())
	require.Equal(t, []SessionID{1}, ctx.disconnected)
}

func TestProtocol_EmptyEnvelopeIgnored(t *testing.T) {
	ctx := newTestContext(t)
	am := newFakeAddrMgr()
	p := newTestProtocol(t, am)

	session := inboundSession(t, 1)
	p.Connected(ctx, session, "1")
	p.Received(ctx, session, nil)

	require.Empty(t, am.Misbehaviors())
	require.Empty(t, ctx.sent)
}

func TestProtocol_UnknownSession(t *testing.T) {
	ctx := newTestContext(t)
	am := newFakeAddrMgr()
	am.random = publicAddrs(t, 5)
	p := newTestProtocol(t, am)

	session := inboundSession(t, 1)
	p.Received(ctx, session, encode(t, &GetNodes{Count: 5, Version: Version}))
	p.Received(ctx, session, encode(t, NewNodes(false, publicAddrs(t, 1))))

	require.Empty(t, ctx.sent)
	require.Empty(t, am.added)
}

// announcedTo collects the addresses sent to id in announce batches.
func announcedTo(ctx *testContext, id SessionID) []ma.Multiaddr {
	var out []ma.Multiaddr
	for _, msg := range ctx.sentTo(id) {
		if msg.Nodes != nil && msg.Nodes.Announce {
			addrs, _ := msg.Nodes.Multiaddrs()
			out = append(out, addrs...)
		}
	}
	return out
}

func TestProtocol_NotifyFanout(t *testing.T) {
	ctx := newTestContext(t)
	am := newFakeAddrMgr()
	p := newTestProtocol(t, am)

	const numSessions = 6
	for id := SessionID(1); id <= numSessions; id++ {
		p.Connected(ctx, inboundSession(t, id), "1")
	}

	target := mustAddr(t, "/ip4/8.8.8.8/tcp/26656")
	am.consensus = []ma.Multiaddr{target}

	p.Notify(ctx, NotifyToken)

	queued := 0
	for id := SessionID(1); id <= numSessions; id++ {
		state, _ := p.SessionState(id)
		for _, addr := range state.AnnounceQueue() {
			if addr.Equal(target) {
				queued++
			}
		}
	}
	require.Equal(t, announceFanout, queued)

	// further ticks flush the queues, but never offer the address twice to
	// the same session
	received := make(map[SessionID]int)
	for i := 0; i < 10; i++ {
		p.Notify(ctx, NotifyToken)
		for id := SessionID(1); id <= numSessions; id++ {
			for _, addr := range announcedTo(ctx, id) {
				if addr.Equal(target) {
					received[id]++
				}
			}
		}
	}
	for id, n := range received {
		require.Equal(t, 1, n, "session %d received the address %d times", id, n)
	}
	require.GreaterOrEqual(t, len(received), announceFanout)
}

func TestProtocol_NotifySkipsInvalid(t *testing.T) {
	ctx := newTestContext(t)
	am := newFakeAddrMgr()
	p := newTestProtocol(t, am)

	p.Connected(ctx, inboundSession(t, 1), "1")

	target := mustAddr(t, "/ip4/8.8.8.8/tcp/26656")
	am.consensus = []ma.Multiaddr{target}
	am.invalid[target.String()] = true

	p.Notify(ctx, NotifyToken)
	state, _ := p.SessionState(1)
	require.Empty(t, state.AnnounceQueue())
}

func TestProtocol_SelfAnnounce(t *testing.T) {
	ctx := newTestContext(t)
	am := newFakeAddrMgr()
	now := time.Unix(1600000000, 0)
	p := newTestProtocol(t, am, WithClock(func() time.Time { return now }))

	listening := Session{ID: 1, Address: mustAddr(t, "/ip4/8.8.4.4/tcp/26656"), Type: SessionTypeOutbound}
	other := inboundSession(t, 2)
	p.Connected(ctx, listening, "1")
	p.Connected(ctx, other, "1")
	ctx.sent = nil

	p.Notify(ctx, NotifyToken)

	otherState, _ := p.SessionState(2)
	require.Len(t, otherState.AnnounceQueue(), 1)
	require.True(t, otherState.AnnounceQueue()[0].Equal(listening.Address))

	// the listening peer already knows its own address
	listeningState, _ := p.SessionState(1)
	require.Empty(t, listeningState.AnnounceQueue())

	now = now.Add(time.Minute)
	p.Notify(ctx, NotifyToken)
	announced := announcedTo(ctx, 2)
	require.Len(t, announced, 1)
	require.True(t, announced[0].Equal(listening.Address))
	require.Empty(t, otherState.AnnounceQueue())

	// due again after a day, but every session already knows it
	now = now.Add(AnnounceInterval)
	p.Notify(ctx, NotifyToken)
	require.Empty(t, otherState.AnnounceQueue())
}

func TestProtocol_AnnounceQueueNeverOverflows(t *testing.T) {
	pool := publicAddrs(t, 100)

	rapid.Check(t, func(rt *rapid.T) {
		ctx := newTestContext(t)
		am := newFakeAddrMgr()
		p := newTestProtocol(t, am)

		numSessions := rapid.IntRange(1, 5).Draw(rt, "sessions").(int)
		for id := 1; id <= numSessions; id++ {
			p.Connected(ctx, inboundSession(t, SessionID(id)), "1")
		}

		ticks := rapid.IntRange(1, 6).Draw(rt, "ticks").(int)
		for i := 0; i < ticks; i++ {
			n := rapid.IntRange(0, len(pool)).Draw(rt, "candidates").(int)
			am.consensus = pool[:n]
			p.Notify(ctx, NotifyToken)

			for id := 1; id <= numSessions; id++ {
				state, _ := p.SessionState(SessionID(id))
				if len(state.AnnounceQueue()) > AnnounceThreshold {
					rt.Fatalf("session %d queue has %d entries", id, len(state.AnnounceQueue()))
				}
			}
			for _, s := range ctx.sent {
				if len(s.msg.Nodes.Items) > AnnounceThreshold {
					rt.Fatalf("announce batch of %d items", len(s.msg.Nodes.Items))
				}
			}
			ctx.sent = nil
		}
	})
}
