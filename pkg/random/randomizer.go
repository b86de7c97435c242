// Package random provides the seeded, replayable randomizer shared by an
// action cascade, plus token helpers for session challenges.
package random

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20"
)

// Algorithm names an approved stream construction.
type Algorithm string

const (
	// AlgorithmHMACSHA256 derives each value as HMAC(seed, counter).
	AlgorithmHMACSHA256 Algorithm = "hmac_sha256"
	// AlgorithmChaCha20 reads the ChaCha20 keystream keyed by SHA-256(seed).
	AlgorithmChaCha20 Algorithm = "chacha20"
)

var (
	ErrEmptySeed    = errors.New("random: seed must not be empty")
	ErrInvalidBound = errors.New("random: bound must be positive")
)

// Randomizer produces a deterministic stream from one seed. Every action in
// a cascade draws from the same instance, so the whole cascade replays from
// the root seed.
type Randomizer struct {
	mu        sync.Mutex
	algorithm Algorithm
	seed      []byte
	counter   uint64
	stream    *chacha20.Cipher
}

// New creates an HMAC-SHA256 randomizer.
func New(seed []byte) (*Randomizer, error) {
	return NewWithAlgorithm(AlgorithmHMACSHA256, seed)
}

// NewWithAlgorithm creates a randomizer using the given construction.
func NewWithAlgorithm(alg Algorithm, seed []byte) (*Randomizer, error) {
	if len(seed) == 0 {
		return nil, ErrEmptySeed
	}
	r := &Randomizer{
		algorithm: alg,
		seed:      make([]byte, len(seed)),
	}
	copy(r.seed, seed)

	switch alg {
	case AlgorithmHMACSHA256:
	case AlgorithmChaCha20:
		key := sha256.Sum256(seed)
		nonce := make([]byte, chacha20.NonceSize)
		c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce)
		if err != nil {
			return nil, fmt.Errorf("random: chacha20 init: %w", err)
		}
		r.stream = c
	default:
		return nil, fmt.Errorf("random: unknown algorithm %q", alg)
	}
	return r, nil
}

// Seed returns the hex-encoded seed, for audit logs.
func (r *Randomizer) Seed() string {
	return hex.EncodeToString(r.seed)
}

// Algorithm returns the construction in use.
func (r *Randomizer) Algorithm() Algorithm {
	return r.algorithm
}

// Uint64 returns the next value of the stream.
func (r *Randomizer) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next()
}

func (r *Randomizer) next() uint64 {
	r.counter++
	if r.stream != nil {
		var buf [8]byte
		r.stream.XORKeyStream(buf[:], buf[:])
		return binary.BigEndian.Uint64(buf[:])
	}

	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], r.counter)
	h := hmac.New(sha256.New, r.seed)
	h.Write(counterBytes[:])
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

// Draws returns how many values have been consumed so far.
func (r *Randomizer) Draws() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counter
}

// UpToOne returns a float64 in [0, 1).
func (r *Randomizer) UpToOne() float64 {
	return float64(r.Uint64()>>11) / (1 << 53)
}

// UpToFraction returns a float64 in [0, 1/n). n <= 0 is treated as 1.
func (r *Randomizer) UpToFraction(n int) float64 {
	if n <= 0 {
		n = 1
	}
	return r.UpToOne() / float64(n)
}

// Bool returns a uniformly distributed boolean.
func (r *Randomizer) Bool() bool {
	return r.Uint64()&1 == 1
}

// Int63 returns a non-negative int64.
func (r *Randomizer) Int63() int64 {
	return int64(r.Uint64() >> 1) //nolint:gosec // shifted into range
}

// IntN returns an int in [0, n). It returns 0 when n <= 0.
func (r *Randomizer) IntN(n int) int {
	if n <= 0 {
		return 0
	}
	v, _ := r.Int64N(int64(n))
	return int(v)
}

// Int64N returns an int64 in [0, n) without modulo bias.
func (r *Randomizer) Int64N(n int64) (int64, error) {
	if n <= 0 {
		return 0, ErrInvalidBound
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	bound := uint64(n)
	limit := ^uint64(0) - (^uint64(0) % bound)
	for {
		v := r.next()
		if v < limit {
			return int64(v % bound), nil //nolint:gosec // v % bound < n
		}
	}
}

// Shuffle permutes n elements with a Fisher-Yates pass, calling swap for
// each exchange.
func (r *Randomizer) Shuffle(n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		j := r.IntN(i + 1)
		swap(i, j)
	}
}
