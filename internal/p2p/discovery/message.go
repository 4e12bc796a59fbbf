package discovery

import (
	"errors"
	"fmt"
	"math"

	"github.com/gogo/protobuf/proto"
	ma "github.com/multiformats/go-multiaddr"
)

// MaxMsgSize is the largest discovery payload accepted from the wire. A full
// non-announce batch of MaxAddrToSend nodes with MaxAddrs addresses each fits
// well below it.
const MaxMsgSize = 1 << 20 // 1MB

var (
	// ErrEmptyMessage is returned when encoding a message with no payload.
	ErrEmptyMessage = errors.New("discovery message has no payload")

	// ErrAmbiguousMessage is returned when a message carries both payloads.
	ErrAmbiguousMessage = errors.New("discovery message carries more than one payload")
)

// Wrapper is implemented by payloads that can be wrapped into a
// DiscoveryMessage envelope.
type Wrapper interface {
	proto.Message
	Wrap() *DiscoveryMessage
}

var (
	_ Wrapper = (*GetNodes)(nil)
	_ Wrapper = (*Nodes)(nil)
)

// DiscoveryMessage is the envelope exchanged on the discovery protocol. At
// most one of its payloads is set; an envelope with no payload is valid and
// ignored by the receiver.
type DiscoveryMessage struct {
	GetNodes *GetNodes `protobuf:"bytes,1,opt,name=get_nodes,json=getNodes,proto3" json:"get_nodes,omitempty"`
	Nodes    *Nodes    `protobuf:"bytes,2,opt,name=nodes,proto3" json:"nodes,omitempty"`
}

func (m *DiscoveryMessage) Reset()         { *m = DiscoveryMessage{} }
func (m *DiscoveryMessage) String() string { return proto.CompactTextString(m) }
func (*DiscoveryMessage) ProtoMessage()    {}

// Unwrap returns the payload carried by the envelope, or nil when the
// envelope is empty.
func (m *DiscoveryMessage) Unwrap() (proto.Message, error) {
	switch {
	case m.GetNodes != nil && m.Nodes != nil:
		return nil, ErrAmbiguousMessage
	case m.GetNodes != nil:
		return m.GetNodes, nil
	case m.Nodes != nil:
		return m.Nodes, nil
	default:
		return nil, nil
	}
}

// GetNodes requests up to Count addresses from the remote peer. ListenPort, if
// set, advertises the port the sender accepts connections on.
type GetNodes struct {
	ListenPort *ListenPort `protobuf:"bytes,1,opt,name=listen_port,json=listenPort,proto3" json:"listen_port,omitempty"`
	Count      uint32      `protobuf:"varint,2,opt,name=count,proto3" json:"count,omitempty"`
	Version    uint32      `protobuf:"varint,3,opt,name=version,proto3" json:"version,omitempty"`
}

func (m *GetNodes) Reset()         { *m = GetNodes{} }
func (m *GetNodes) String() string { return proto.CompactTextString(m) }
func (*GetNodes) ProtoMessage()    {}

func (m *GetNodes) Wrap() *DiscoveryMessage {
	return &DiscoveryMessage{GetNodes: m}
}

// ListenPort wraps the optional listen port of a GetNodes request.
type ListenPort struct {
	Port uint32 `protobuf:"varint,1,opt,name=port,proto3" json:"port,omitempty"`
}

func (m *ListenPort) Reset()         { *m = ListenPort{} }
func (m *ListenPort) String() string { return proto.CompactTextString(m) }
func (*ListenPort) ProtoMessage()    {}

// Value returns the advertised port, and false if it is not a usable TCP port.
func (m *ListenPort) Value() (uint16, bool) {
	if m == nil || m.Port == 0 || m.Port > math.MaxUint16 {
		return 0, false
	}
	return uint16(m.Port), true
}

// Nodes carries addresses, either as the one-off response to GetNodes
// (Announce == false) or as an unsolicited gossip batch (Announce == true).
type Nodes struct {
	Announce bool    `protobuf:"varint,1,opt,name=announce,proto3" json:"announce,omitempty"`
	Items    []*Node `protobuf:"bytes,2,rep,name=items,proto3" json:"items,omitempty"`
}

func (m *Nodes) Reset()         { *m = Nodes{} }
func (m *Nodes) String() string { return proto.CompactTextString(m) }
func (*Nodes) ProtoMessage()    {}

func (m *Nodes) Wrap() *DiscoveryMessage {
	return &DiscoveryMessage{Nodes: m}
}

// Multiaddrs flattens the addresses of all items. Entries that do not parse
// as multiaddrs are dropped and counted in the second return value.
func (m *Nodes) Multiaddrs() ([]ma.Multiaddr, int) {
	var (
		addrs   []ma.Multiaddr
		invalid int
	)
	for _, item := range m.Items {
		parsed, bad := item.Multiaddrs()
		addrs = append(addrs, parsed...)
		invalid += bad
	}
	return addrs, invalid
}

// Node holds the binary multiaddrs of one peer, at most MaxAddrs of them.
type Node struct {
	Addrs [][]byte `protobuf:"bytes,1,rep,name=addrs,proto3" json:"addrs,omitempty"`
}

func (m *Node) Reset()         { *m = Node{} }
func (m *Node) String() string { return proto.CompactTextString(m) }
func (*Node) ProtoMessage()    {}

// NewNode builds a Node from multiaddrs.
func NewNode(addrs ...ma.Multiaddr) *Node {
	n := &Node{Addrs: make([][]byte, 0, len(addrs))}
	for _, addr := range addrs {
		n.Addrs = append(n.Addrs, addr.Bytes())
	}
	return n
}

// Multiaddrs parses the node's addresses, skipping invalid entries.
func (m *Node) Multiaddrs() ([]ma.Multiaddr, int) {
	addrs := make([]ma.Multiaddr, 0, len(m.Addrs))
	invalid := 0
	for _, bz := range m.Addrs {
		addr, err := ma.NewMultiaddrBytes(bz)
		if err != nil {
			invalid++
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, invalid
}

// NewNodes builds a Nodes payload with one address per item.
func NewNodes(announce bool, addrs []ma.Multiaddr) *Nodes {
	items := make([]*Node, 0, len(addrs))
	for _, addr := range addrs {
		items = append(items, NewNode(addr))
	}
	return &Nodes{Announce: announce, Items: items}
}

// fitMsgSize returns the longest prefix of addrs that encodes as a Nodes
// batch of at most MaxMsgSize bytes.
func fitMsgSize(announce bool, addrs []ma.Multiaddr) []ma.Multiaddr {
	size := 0
	if announce {
		size = 2
	}
	for i, addr := range addrs {
		addrLen := len(addr.Bytes())
		nodeLen := 1 + proto.SizeVarint(uint64(addrLen)) + addrLen
		itemLen := 1 + proto.SizeVarint(uint64(nodeLen)) + nodeLen

		// envelope tag and length prefix of the Nodes payload
		next := size + itemLen
		if 1+proto.SizeVarint(uint64(next))+next > MaxMsgSize {
			return addrs[:i]
		}
		size = next
	}
	return addrs
}

// Encode serializes a wrapped payload for the wire.
func Encode(msg Wrapper) ([]byte, error) {
	env := msg.Wrap()
	if env.GetNodes == nil && env.Nodes == nil {
		return nil, ErrEmptyMessage
	}
	bz, err := proto.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode discovery message: %w", err)
	}
	return bz, nil
}

// Decode parses a discovery envelope received from the wire. Structural
// bounds on the decoded content are checked by VerifyNodesMessage, not here.
func Decode(bz []byte) (*DiscoveryMessage, error) {
	if len(bz) > MaxMsgSize {
		return nil, fmt.Errorf("discovery message too large (max: %d, got: %d)", MaxMsgSize, len(bz))
	}

	msg := new(DiscoveryMessage)
	if err := proto.Unmarshal(bz, msg); err != nil {
		return nil, fmt.Errorf("failed to decode discovery message: %w", err)
	}
	if msg.GetNodes != nil && msg.Nodes != nil {
		return nil, ErrAmbiguousMessage
	}
	return msg, nil
}
