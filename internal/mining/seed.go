package mining

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand/v2"
	"sync"
)

// SeedSource yields an independent 32-byte seed for every mint.
type SeedSource interface {
	Seed() ([32]byte, error)
}

// CryptoSeeds draws every seed from the operating system CSPRNG.
type CryptoSeeds struct{}

func (CryptoSeeds) Seed() ([32]byte, error) {
	var s [32]byte
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("read seed: %w", err)
	}
	return s, nil
}

// DeterministicSeeds derives a reproducible stream of seeds from one master
// seed. Used in tests.
type DeterministicSeeds struct {
	mu  sync.Mutex
	rng *mrand.ChaCha8
}

// NewDeterministicSeeds returns a seed stream fixed by master.
func NewDeterministicSeeds(master [32]byte) *DeterministicSeeds {
	return &DeterministicSeeds{rng: mrand.NewChaCha8(master)}
}

func (d *DeterministicSeeds) Seed() ([32]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var s [32]byte
	for i := 0; i < len(s); i += 8 {
		binary.LittleEndian.PutUint64(s[i:], d.rng.Uint64())
	}
	return s, nil
}
