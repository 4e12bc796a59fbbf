package commands

import (
	"fmt"
	"io"
	"strconv"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"

	"github.com/tendermint/discovery/config"
	"github.com/tendermint/discovery/internal/p2p/peerstore"
	"github.com/tendermint/discovery/node"
)

// defaultRandomAddrs is how many addresses "addrbook random" prints when no
// count is given.
const defaultRandomAddrs = 10

// MakeAddrBookCommand returns the command group that inspects and edits the
// persistent address book.
func MakeAddrBookCommand(conf *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "addrbook",
		Short: "Inspect and edit the address book",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add [multiaddr...]",
			Short: "Add addresses to the address book",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withAddressBook(cmd, conf, func(book *node.AddressBook) error {
					return addAddrs(cmd.OutOrStdout(), book, args)
				})
			},
		},
		&cobra.Command{
			Use:   "remove [multiaddr...]",
			Short: "Remove addresses from the address book",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withAddressBook(cmd, conf, func(book *node.AddressBook) error {
					return removeAddrs(cmd.OutOrStdout(), book, args)
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List all stored addresses",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withAddressBook(cmd, conf, func(book *node.AddressBook) error {
					listAddrs(cmd.OutOrStdout(), book)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "random [n]",
			Short: "Print a random sample of gossipable addresses",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n := defaultRandomAddrs
				if len(args) == 1 {
					var err error
					if n, err = strconv.Atoi(args[0]); err != nil || n <= 0 {
						return fmt.Errorf("invalid address count %q", args[0])
					}
				}
				return withAddressBook(cmd, conf, func(book *node.AddressBook) error {
					for _, addr := range book.Manager.GetRandom(n) {
						fmt.Fprintln(cmd.OutOrStdout(), addr)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func withAddressBook(cmd *cobra.Command, conf *config.Config, fn func(*node.AddressBook) error) error {
	logger, err := newLogger(cmd, conf)
	if err != nil {
		return err
	}

	book, err := node.OpenAddressBook(conf, logger, config.DefaultDBProvider)
	if err != nil {
		return err
	}
	defer func() {
		if err := book.Close(); err != nil {
			logger.Error("failed to close address book", "err", err)
		}
	}()

	return fn(book)
}

func parseAddrs(args []string) ([]ma.Multiaddr, error) {
	addrs := make([]ma.Multiaddr, 0, len(args))
	for _, arg := range args {
		addr, err := ma.NewMultiaddr(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", arg, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func addAddrs(w io.Writer, book *node.AddressBook, args []string) error {
	addrs, err := parseAddrs(args)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if !book.Manager.IsValidAddr(addr) {
			return fmt.Errorf("address %s is not gossipable", addr)
		}
	}

	book.PeerManager.WithPeerStore(func(store *peerstore.Store) {
		for _, addr := range addrs {
			if err = store.AddAddr(addr); err != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "added %d address(es)\n", len(addrs))
	return nil
}

func removeAddrs(w io.Writer, book *node.AddressBook, args []string) error {
	addrs, err := parseAddrs(args)
	if err != nil {
		return err
	}

	removed := 0
	book.PeerManager.WithPeerStore(func(store *peerstore.Store) {
		for _, addr := range addrs {
			if !store.Contains(addr) {
				continue
			}
			if err = store.Remove(addr); err != nil {
				return
			}
			removed++
		}
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "removed %d address(es)\n", removed)
	return nil
}

func listAddrs(w io.Writer, book *node.AddressBook) {
	book.PeerManager.WithPeerStore(func(store *peerstore.Store) {
		for _, addr := range store.List() {
			info, _ := store.Get(addr)
			fmt.Fprintf(w, "%s last_seen=%s misbehaviors=%d\n",
				addr,
				time.Unix(0, info.LastSeen).UTC().Format(time.RFC3339),
				info.Misbehaviors,
			)
		}
	})
}
