package discovery

import (
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
)

// MisbehaviorKind enumerates protocol violations a remote peer can commit.
type MisbehaviorKind int

const (
	// DuplicateGetNodes is a second GetNodes on the same session.
	DuplicateGetNodes MisbehaviorKind = iota + 1
	// DuplicateFirstNodes is a second non-announce Nodes on the same session.
	DuplicateFirstNodes
	// TooManyItems is a Nodes batch above its size bound.
	TooManyItems
	// TooManyAddresses is a Node carrying more than MaxAddrs addresses.
	TooManyAddresses
	// InvalidData is a payload that cannot be decoded.
	InvalidData
)

func (k MisbehaviorKind) String() string {
	switch k {
	case DuplicateGetNodes:
		return "duplicate_get_nodes"
	case DuplicateFirstNodes:
		return "duplicate_first_nodes"
	case TooManyItems:
		return "too_many_items"
	case TooManyAddresses:
		return "too_many_addresses"
	case InvalidData:
		return "invalid_data"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Misbehavior is a verdict on a remote peer's message. Announce and Length
// are set for TooManyItems; Length alone is set for TooManyAddresses.
type Misbehavior struct {
	Kind     MisbehaviorKind
	Announce bool
	Length   int
}

func (m Misbehavior) String() string {
	switch m.Kind {
	case TooManyItems:
		return fmt.Sprintf("%s{announce=%t, length=%d}", m.Kind, m.Announce, m.Length)
	case TooManyAddresses:
		return fmt.Sprintf("%s(%d)", m.Kind, m.Length)
	default:
		return m.Kind.String()
	}
}

func newMisbehavior(kind MisbehaviorKind) Misbehavior {
	return Misbehavior{Kind: kind}
}

// MisbehaveResult is the disposition returned by AddressManager.Misbehave.
type MisbehaveResult int

const (
	MisbehaveContinue MisbehaveResult = iota
	MisbehaveDisconnect
)

// IsDisconnect reports whether the session must be terminated.
func (r MisbehaveResult) IsDisconnect() bool {
	return r == MisbehaveDisconnect
}

func (r MisbehaveResult) String() string {
	if r.IsDisconnect() {
		return "disconnect"
	}
	return "continue"
}

// AddressManager is the Protocol's view of the address repository. It is
// shared with other subsystems and must do its own synchronization; none of
// its methods may block for long, since the Protocol calls them inline while
// handling an event.
type AddressManager interface {
	// Register marks the discovery protocol as open for the session's peer.
	Register(session Session, version string)
	// Unregister marks the discovery protocol as closed for the session's peer.
	Unregister(session Session)

	// IsValidAddr rejects unreachable or local addresses, unless local
	// address discovery is enabled.
	IsValidAddr(addr ma.Multiaddr) bool

	// AddNewAddr records one learned address. See AddNewAddrs.
	AddNewAddr(id SessionID, addr ma.Multiaddr)
	// AddNewAddrs records learned addresses, filtered through IsValidAddr.
	// Persistence failures are logged per address and never returned.
	AddNewAddrs(id SessionID, addrs []ma.Multiaddr)

	// Misbehave adjudicates a violation reported by the Protocol. It is the
	// only place where disconnect policy is decided.
	Misbehave(id SessionID, kind Misbehavior) MisbehaveResult

	// GetRandom samples up to n distinct valid addresses.
	GetRandom(n int) []ma.Multiaddr

	// ConsensusList returns the addresses of connected consensus peers,
	// which are always gossip candidates.
	ConsensusList() []ma.Multiaddr
}
