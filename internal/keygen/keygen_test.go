package keygen

import (
	"math/rand"
	"testing"

	"github.com/epfl-dcsl/lancet-tool/internal/dist"
)

func TestNewSizesAndImmutability(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	sizeDist := &dist.Fixed{Value: 8}
	set, err := New(100, sizeDist, r)
	if err != nil {
		t.Fatal(err)
	}
	if set.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", set.Len())
	}
	for i := 0; i < set.Len(); i++ {
		if len(set.Key(i)) != 8 {
			t.Errorf("key %d length = %d, want 8", i, len(set.Key(i)))
		}
	}
	// Immutable: same index always returns the same key.
	first := set.Key(5)
	if set.Key(5) != first {
		t.Errorf("key 5 changed across calls")
	}
}

func TestGetKeyUniform(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	set, err := New(10, &dist.Fixed{Value: 4}, r)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[set.GetKey()] = true
	}
	if len(seen) == 0 {
		t.Fatal("GetKey never returned anything")
	}
}

func TestNewRejectsZero(t *testing.T) {
	if _, err := New(0, &dist.Fixed{Value: 1}, nil); err == nil {
		t.Fatal("expected error for n=0")
	}
}
