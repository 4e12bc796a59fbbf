package discovery

import (
	lru "github.com/hashicorp/golang-lru"
	ma "github.com/multiformats/go-multiaddr"
)

// DefaultMaxKnown bounds the number of addresses remembered per session.
const DefaultMaxKnown = 5000

// AddrKnown remembers which addresses have already been exchanged with one
// peer, so they are neither gossiped back to it nor re-processed. It is a
// bounded set; the least recently touched address is forgotten first.
//
// AddrKnown is not safe for concurrent use on its own account; it relies on
// the serialized dispatch of the Protocol owning it.
type AddrKnown struct {
	cache *lru.Cache
}

// NewAddrKnown creates a cache remembering up to capacity addresses. A
// non-positive capacity selects DefaultMaxKnown.
func NewAddrKnown(capacity int) *AddrKnown {
	if capacity <= 0 {
		capacity = DefaultMaxKnown
	}
	cache, err := lru.New(capacity)
	if err != nil {
		// only returned for non-positive sizes
		panic(err)
	}
	return &AddrKnown{cache: cache}
}

func addrKey(addr ma.Multiaddr) string {
	return string(addr.Bytes())
}

// Insert records addr. Inserting an address already present only refreshes
// its recency.
func (k *AddrKnown) Insert(addr ma.Multiaddr) {
	k.cache.Add(addrKey(addr), struct{}{})
}

// Extend records every address in addrs.
func (k *AddrKnown) Extend(addrs []ma.Multiaddr) {
	for _, addr := range addrs {
		k.Insert(addr)
	}
}

// Contains reports whether addr has been recorded.
func (k *AddrKnown) Contains(addr ma.Multiaddr) bool {
	return k.cache.Contains(addrKey(addr))
}

// Len returns the number of remembered addresses.
func (k *AddrKnown) Len() int {
	return k.cache.Len()
}
