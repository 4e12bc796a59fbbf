package node

import (
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/discovery/config"
	"github.com/tendermint/discovery/internal/p2p/discovery"
	"github.com/tendermint/discovery/internal/p2p/peerstore"
	"github.com/tendermint/discovery/libs/log"
)

// MetricsProvider returns the discovery metrics of a node.
type MetricsProvider func() *discovery.Metrics

// DefaultMetricsProvider returns Metrics build using Prometheus client library
// if Prometheus is enabled. Otherwise, it returns no-op Metrics.
func DefaultMetricsProvider(cfg *config.InstrumentationConfig) MetricsProvider {
	return func() *discovery.Metrics {
		if cfg.Prometheus {
			return discovery.PrometheusMetrics(cfg.Namespace)
		}
		return discovery.NopMetrics()
	}
}

// AddressBook is the persistent address store together with the address
// manager the discovery protocol talks to.
type AddressBook struct {
	db          dbm.DB
	PeerManager *peerstore.PeerManager
	Manager     *discovery.DiscoveryAddressManager
}

// OpenAddressBook opens the "addrbook" database through dbProvider and loads
// the addresses stored in it.
func OpenAddressBook(
	conf *config.Config,
	logger log.Logger,
	dbProvider config.DBProvider,
) (*AddressBook, error) {
	db, err := dbProvider(&config.DBContext{ID: "addrbook", Config: conf})
	if err != nil {
		return nil, fmt.Errorf("failed to open address book: %w", err)
	}

	store, err := peerstore.NewStore(db, conf.Discovery.MaxStoredAddrs)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load address book: %w", err)
	}

	peerManager := peerstore.NewPeerManager(store)
	manager := discovery.NewDiscoveryAddressManager(
		logger,
		peerManager,
		createMisbehaviorPolicy(conf.Discovery),
		conf.Discovery.DiscoveryLocalAddress,
	)

	return &AddressBook{db: db, PeerManager: peerManager, Manager: manager}, nil
}

// Size returns the number of stored addresses.
func (b *AddressBook) Size() int {
	var size int
	b.PeerManager.WithPeerStore(func(s *peerstore.Store) { size = s.Size() })
	return size
}

// Close closes the underlying database.
func (b *AddressBook) Close() error {
	return b.db.Close()
}

func createMisbehaviorPolicy(conf *config.DiscoveryConfig) discovery.MisbehaviorPolicy {
	if conf.MisbehaviorPolicy == config.MisbehaviorPolicyScore {
		return discovery.NewScorePolicy(conf.BanScore, nil)
	}
	return discovery.StrictPolicy{}
}

func createDiscoveryReactor(
	conf *config.DiscoveryConfig,
	logger log.Logger,
	addrManager discovery.AddressManager,
	transport discovery.Transport,
	listenAddrs []ma.Multiaddr,
	metrics *discovery.Metrics,
) *discovery.Reactor {
	protocol := discovery.NewProtocol(
		addrManager,
		discovery.WithLogger(logger),
		discovery.WithMetrics(metrics),
		discovery.WithMaxKnown(conf.MaxKnown),
		discovery.WithAnnounceCheckInterval(conf.AnnounceCheckInterval),
	)
	return discovery.NewReactor(logger, protocol, transport, listenAddrs)
}
