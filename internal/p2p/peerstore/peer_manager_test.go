package peerstore

import (
	"testing"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/sync/errgroup"
)

func TestPeerManager_Protocols(t *testing.T) {
	store, err := NewStore(dbm.NewMemDB(), 0)
	require.NoError(t, err)
	pm := NewPeerManager(store)

	pm.OpenProtocol("a", "/discovery")
	pm.OpenProtocol("a", "/consensus")
	require.True(t, pm.HasProtocol("a", "/discovery"))

	pm.CloseProtocol("a", "/discovery")
	require.False(t, pm.HasProtocol("a", "/discovery"))
	require.True(t, pm.HasProtocol("a", "/consensus"))

	pm.CloseProtocol("a", "/consensus")
	pm.CloseProtocol("b", "/consensus")
	require.Empty(t, pm.protocols)
}

func TestPeerManager_ConnectedConsensusPeers(t *testing.T) {
	store, err := NewStore(dbm.NewMemDB(), 0)
	require.NoError(t, err)
	pm := NewPeerManager(store)

	addrs := makeAddrs(t, 3)
	pm.SetConsensusPeer("b", addrs[1])
	pm.SetConsensusPeer("a", addrs[0])
	pm.SetConsensusPeer("c", addrs[2])
	require.Empty(t, pm.ConnectedConsensusPeers())

	pm.OpenProtocol("c", "/discovery")
	pm.OpenProtocol("a", "/discovery")

	connected := pm.ConnectedConsensusPeers()
	require.Len(t, connected, 2)
	require.True(t, connected[0].Equal(addrs[0]))
	require.True(t, connected[1].Equal(addrs[2]))

	pm.RemoveConsensusPeer("a")
	require.Len(t, pm.ConnectedConsensusPeers(), 1)
}

func TestPeerManager_Concurrent(t *testing.T) {
	store, err := NewStore(dbm.NewMemDB(), 0)
	require.NoError(t, err)
	pm := NewPeerManager(store)

	addrs := makeAddrs(t, 100)
	var g errgroup.Group
	for i := 0; i < 4; i++ {
		offset := i
		g.Go(func() error {
			for j := offset; j < len(addrs); j += 4 {
				var err error
				pm.WithPeerStore(func(s *Store) { err = s.AddAddr(addrs[j]) })
				if err != nil {
					return err
				}
				pm.FetchRandomAddrs(5)
				pm.OpenProtocol(PeerID(addrs[j].String()), "/test")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	pm.WithPeerStore(func(s *Store) {
		require.Equal(t, 100, s.Size())
	})
	require.True(t, pm.HasProtocol(PeerID(addrs[99].String()), "/test"))
}
