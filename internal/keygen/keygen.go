// Package keygen pre-materializes the set of keys an application protocol
// instance draws from, sized by an inverse-CDF distribution (spec.md §4.B).
package keygen

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/epfl-dcsl/lancet-tool/internal/dist"
)

// Set is an immutable, pre-materialized sequence of keys.
type Set struct {
	keys []string
	r    *rand.Rand
}

// New materializes n keys, with length of key i = round(sizeDist.Generate())
// evaluated independently per key (sizeDist is sampled once per key, as
// spec.md's "i/N" framing is realized by letting the caller supply a
// distribution already configured for the desired size spread).
func New(n int, sizeDist dist.Source, r *rand.Rand) (*Set, error) {
	if n <= 0 {
		return nil, fmt.Errorf("keygen: n must be positive, got %d", n)
	}
	if r == nil {
		r = rand.New(rand.NewSource(1))
	}
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		length := int(math.Round(sizeDist.Generate()))
		if length < 1 {
			length = 1
		}
		keys[i] = fmt.Sprintf("%0*d", length, i)[:length]
	}
	return &Set{keys: keys, r: r}, nil
}

// Len returns the number of materialized keys.
func (s *Set) Len() int { return len(s.keys) }

// Key returns the key at index i.
func (s *Set) Key(i int) string { return s.keys[i] }

// GetKey selects a key uniformly at random. Overridable by callers that
// want a non-uniform selector (spec.md §4.B) by calling Key(i) directly with
// an index from their own distribution.
func (s *Set) GetKey() string {
	return s.keys[s.r.Intn(len(s.keys))]
}
