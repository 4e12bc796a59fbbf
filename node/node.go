package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/tendermint/discovery/config"
	"github.com/tendermint/discovery/internal/p2p/discovery"
	"github.com/tendermint/discovery/libs/log"
	"github.com/tendermint/discovery/libs/service"
)

// Node runs the discovery reactor on top of a persistent address book and
// optionally serves Prometheus metrics. The host owns the connections and
// reports them through Reactor().
type Node struct {
	service.BaseService

	config      *config.Config
	addrBook    *AddressBook
	reactor     *discovery.Reactor
	metricsAddr string

	prometheusSrv *http.Server
}

// NewNode returns a new, ready to go discovery node sending through
// transport.
func NewNode(
	conf *config.Config,
	logger log.Logger,
	transport discovery.Transport,
	dbProvider config.DBProvider,
	metricsProvider MetricsProvider,
) (*Node, error) {
	listenAddrs, err := conf.Discovery.ListenMultiaddrs()
	if err != nil {
		return nil, err
	}

	addrBook, err := OpenAddressBook(conf, logger.With("module", "addrbook"), dbProvider)
	if err != nil {
		return nil, err
	}

	reactor := createDiscoveryReactor(
		conf.Discovery,
		logger.With("module", "discovery"),
		addrBook.Manager,
		transport,
		listenAddrs,
		metricsProvider(),
	)

	n := &Node{
		config:   conf,
		addrBook: addrBook,
		reactor:  reactor,
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// OnStart starts the metrics server, if enabled, and the discovery reactor.
func (n *Node) OnStart(_ context.Context) error {
	if n.config.Instrumentation.Prometheus {
		if err := n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr); err != nil {
			return err
		}
	}

	// the reactor is stopped by OnStop, before the address book closes
	if err := n.reactor.Start(context.Background()); err != nil {
		n.stopPrometheusServer()
		return fmt.Errorf("failed to start discovery reactor: %w", err)
	}

	n.Logger.Info("started discovery node",
		"listen_addrs", n.config.Discovery.ListenAddresses,
		"known_addrs", n.addrBook.Size())
	return nil
}

// OnStop stops the reactor and the metrics server, and closes the address
// book.
func (n *Node) OnStop() {
	if n.reactor.IsRunning() {
		if err := n.reactor.Stop(); err != nil {
			n.Logger.Error("failed to stop discovery reactor", "err", err)
		}
	}

	n.stopPrometheusServer()

	if err := n.addrBook.Close(); err != nil {
		n.Logger.Error("failed to close address book", "err", err)
	}
}

// Reactor returns the discovery reactor the host feeds session events to.
func (n *Node) Reactor() *discovery.Reactor {
	return n.reactor
}

// AddressBook returns the node's address book.
func (n *Node) AddressBook() *AddressBook {
	return n.addrBook
}

// MetricsAddr returns the address the metrics server listens on, or "" if
// it is not running.
func (n *Node) MetricsAddr() string {
	return n.metricsAddr
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for prometheus collectors on %s: %w", addr, err)
	}
	if limit := n.config.Instrumentation.MaxOpenConnections; limit > 0 {
		ln = netutil.LimitListener(ln, limit)
	}

	n.prometheusSrv = &http.Server{
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	n.metricsAddr = ln.Addr().String()

	go func() {
		if err := n.prometheusSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Error starting or closing listener:
			n.Logger.Error("Prometheus HTTP server Serve", "err", err)
		}
	}()
	return nil
}

func (n *Node) stopPrometheusServer() {
	if n.prometheusSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.prometheusSrv.Shutdown(ctx); err != nil {
		n.Logger.Error("Prometheus HTTP server Shutdown", "err", err)
	}
	n.prometheusSrv = nil
	n.metricsAddr = ""
}
