package peerstore

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/google/orderedcode"
	ma "github.com/multiformats/go-multiaddr"
	dbm "github.com/tendermint/tm-db"

	tmrand "github.com/tendermint/discovery/libs/rand"
)

// DefaultMaxAddrs is the default capacity of a Store.
const DefaultMaxAddrs = 10000

// ErrInvalidAddr is returned for empty or unparsable addresses.
var ErrInvalidAddr = errors.New("invalid address")

// AddrInfo is the persisted record of one known address.
type AddrInfo struct {
	Addr         []byte `protobuf:"bytes,1,opt,name=addr,proto3" json:"addr,omitempty"`
	LastSeen     int64  `protobuf:"varint,2,opt,name=last_seen,json=lastSeen,proto3" json:"last_seen,omitempty"`
	Misbehaviors uint32 `protobuf:"varint,3,opt,name=misbehaviors,proto3" json:"misbehaviors,omitempty"`
}

func (m *AddrInfo) Reset()         { *m = AddrInfo{} }
func (m *AddrInfo) String() string { return proto.CompactTextString(m) }
func (*AddrInfo) ProtoMessage()    {}

type addrRecord struct {
	addr ma.Multiaddr
	info AddrInfo
}

// Store keeps the known addresses. It is not thread-safe, assuming it is only
// used through PeerManager, which handles concurrency control.
//
// The entire set of addresses is kept in memory. It is loaded from disk on
// initialization, and any changes are written back to disk (without fsync,
// since we can afford to lose recent writes).
type Store struct {
	db       dbm.DB
	addrs    map[string]*addrRecord
	maxAddrs int
	now      func() time.Time
}

// NewStore creates a new address store, loading all persisted addresses from
// the database into memory.
func NewStore(db dbm.DB, maxAddrs int) (*Store, error) {
	if db == nil {
		return nil, errors.New("no database provided")
	}
	if maxAddrs <= 0 {
		maxAddrs = DefaultMaxAddrs
	}
	s := &Store{db: db, maxAddrs: maxAddrs, now: time.Now}
	if err := s.loadAddrs(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadAddrs() error {
	addrs := make(map[string]*addrRecord)

	start, end := keyAddrInfoRange()
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return err
	}
	defer iter.Close()

	for ; iter.Valid(); iter.Next() {
		info := AddrInfo{}
		if err := proto.Unmarshal(iter.Value(), &info); err != nil {
			return fmt.Errorf("invalid address record: %w", err)
		}
		addr, err := ma.NewMultiaddrBytes(info.Addr)
		if err != nil {
			return fmt.Errorf("invalid stored address: %w", err)
		}
		addrs[string(info.Addr)] = &addrRecord{addr: addr, info: info}
	}
	if err := iter.Error(); err != nil {
		return err
	}

	s.addrs = addrs
	return nil
}

// AddAddr stores addr, or refreshes its last-seen time if already known. When
// the store is full, the least recently seen address is evicted.
func (s *Store) AddAddr(addr ma.Multiaddr) error {
	bz := addr.Bytes()
	if len(bz) == 0 {
		return ErrInvalidAddr
	}

	rec, ok := s.addrs[string(bz)]
	if !ok {
		if len(s.addrs) >= s.maxAddrs {
			if err := s.evictOldest(); err != nil {
				return err
			}
		}
		rec = &addrRecord{addr: addr, info: AddrInfo{Addr: bz}}
	}
	rec.info.LastSeen = s.now().UnixNano()

	if err := s.save(rec); err != nil {
		return err
	}
	s.addrs[string(bz)] = rec
	return nil
}

// MarkMisbehaved records that a session at addr was disconnected for
// misbehaving. Unknown addresses are ignored.
func (s *Store) MarkMisbehaved(addr ma.Multiaddr) error {
	rec, ok := s.addrs[string(addr.Bytes())]
	if !ok {
		return nil
	}
	rec.info.Misbehaviors++
	return s.save(rec)
}

// Remove deletes addr, or does nothing if it is unknown.
func (s *Store) Remove(addr ma.Multiaddr) error {
	key := string(addr.Bytes())
	if _, ok := s.addrs[key]; !ok {
		return nil
	}
	if err := s.db.Delete(keyAddrInfo(addr.Bytes())); err != nil {
		return err
	}
	delete(s.addrs, key)
	return nil
}

// Contains reports whether addr is stored.
func (s *Store) Contains(addr ma.Multiaddr) bool {
	_, ok := s.addrs[string(addr.Bytes())]
	return ok
}

// Get returns the record of addr.
func (s *Store) Get(addr ma.Multiaddr) (AddrInfo, bool) {
	rec, ok := s.addrs[string(addr.Bytes())]
	if !ok {
		return AddrInfo{}, false
	}
	return rec.info, true
}

// FetchRandomAddrs samples up to n distinct addresses uniformly using r.
func (s *Store) FetchRandomAddrs(r *rand.Rand, n int) []ma.Multiaddr {
	all := s.List()
	out := make([]ma.Multiaddr, 0, minInt(n, len(all)))
	for _, idx := range tmrand.Choose(r, len(all), n) {
		out = append(out, all[idx])
	}
	return out
}

// List returns all stored addresses ordered by their binary encoding.
func (s *Store) List() []ma.Multiaddr {
	keys := make([]string, 0, len(s.addrs))
	for key := range s.addrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]ma.Multiaddr, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.addrs[key].addr)
	}
	return out
}

// Size returns the number of stored addresses.
func (s *Store) Size() int {
	return len(s.addrs)
}

func (s *Store) save(rec *addrRecord) error {
	bz, err := proto.Marshal(&rec.info)
	if err != nil {
		return err
	}
	return s.db.Set(keyAddrInfo(rec.info.Addr), bz)
}

func (s *Store) evictOldest() error {
	var oldest *addrRecord
	for _, rec := range s.addrs {
		if oldest == nil || rec.info.LastSeen < oldest.info.LastSeen {
			oldest = rec
		}
	}
	if oldest == nil {
		return nil
	}
	return s.Remove(oldest.addr)
}

const (
	prefixAddrInfo int64 = 1
)

// keyAddrInfo generates an AddrInfo database key.
func keyAddrInfo(addr []byte) []byte {
	key, err := orderedcode.Append(nil, prefixAddrInfo, string(addr))
	if err != nil {
		panic(err)
	}
	return key
}

// keyAddrInfoRange generates start/end keys for the entire AddrInfo key range.
func keyAddrInfoRange() ([]byte, []byte) {
	start, err := orderedcode.Append(nil, prefixAddrInfo, "")
	if err != nil {
		panic(err)
	}
	end, err := orderedcode.Append(nil, prefixAddrInfo, orderedcode.Infinity)
	if err != nil {
		panic(err)
	}
	return start, end
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
