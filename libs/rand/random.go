package rand

import (
	crand "crypto/rand"
	"encoding/binary"
	mrand "math/rand"
)

// NewRand returns a prng, that is seeded with OS randomness.
// The OS randomness is obtained from crypto/rand, however, like with any math/rand.Rand
// object none of the provided methods are suitable for cryptographic usage.
//
// Note that the returned instance is not safe for concurrent use; callers
// owning it must serialize access.
func NewRand() *mrand.Rand {
	var seed int64
	if err := binary.Read(crand.Reader, binary.BigEndian, &seed); err != nil {
		panic(err)
	}
	return mrand.New(mrand.NewSource(seed))
}

// Choose returns k distinct indices drawn uniformly from [0, n) using r. If
// k >= n, a permutation of all n indices is returned. The order of the
// returned indices carries no meaning.
func Choose(r *mrand.Rand, n, k int) []int {
	if n <= 0 || k <= 0 {
		return nil
	}
	if k >= n {
		return r.Perm(n)
	}

	// partial Fisher-Yates over a lazily materialized index space
	swapped := make(map[int]int, k)
	out := make([]int, k)
	for i := 0; i < k; i++ {
		j := i + r.Intn(n-i)
		vi, ok := swapped[i]
		if !ok {
			vi = i
		}
		vj, ok := swapped[j]
		if !ok {
			vj = j
		}
		out[i] = vj
		swapped[j] = vi
	}
	return out
}
