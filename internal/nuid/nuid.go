// Package nuid generates compact, lexicographically sortable identifiers
// used for inbox subjects and message correlation tokens (spec.md §4.8).
package nuid

import (
	"crypto/rand"
	"math/big"
	"sync"
)

const (
	digits   = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	base     = 36
	preLen   = 12
	seqLen   = 10
	minInc   = int64(33)
	maxInc   = int64(333)
	totalLen = preLen + seqLen
)

// maxSeq is base^seqLen: one more than the largest value representable in
// seqLen base-36 digits, i.e. the point at which the sequence must roll
// over to a fresh prefix.
var maxSeq = func() int64 {
	v := int64(1)
	for i := 0; i < seqLen; i++ {
		v *= base
	}
	return v
}()

// Generator produces unique IDs. The zero value is not usable; use New.
type Generator struct {
	mu     sync.Mutex
	prefix [preLen]byte
	seq    int64
	inc    int64
}

// New returns a ready-to-use Generator with a freshly randomized prefix.
func New() *Generator {
	g := &Generator{}
	g.randomizePrefix()
	g.seq = randomSeq()
	g.inc = randomInc()
	return g
}

// Next returns the next 22-character identifier. Safe for concurrent use.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq += g.inc
	if g.seq >= maxSeq {
		g.randomizePrefix()
		g.seq = randomSeq()
		g.inc = randomInc()
	}

	buf := make([]byte, totalLen)
	copy(buf, g.prefix[:])
	encodeSeq(buf[preLen:], g.seq)
	return string(buf)
}

func (g *Generator) randomizePrefix() {
	for i := 0; i < preLen; i++ {
		g.prefix[i] = digits[randIntn(base)]
	}
}

func encodeSeq(dst []byte, seq int64) {
	for i := seqLen - 1; i >= 0; i-- {
		dst[i] = digits[seq%base]
		seq /= base
	}
}

func randomSeq() int64 {
	return int64(randIntn(int(maxSeq)))
}

func randomInc() int64 {
	return minInc + int64(randIntn(int(maxInc-minInc+1)))
}

// randIntn returns a uniform random value in [0,n) from a cryptographic
// source. The generator is reseeded from crypto/rand whenever the prefix
// rotates, so this need not be a fast PRNG.
func randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand failure is only possible if the OS entropy source is
		// broken; fall back to zero rather than panicking a connection.
		return 0
	}
	return int(v.Int64())
}

// global is the lazily created process-wide generator returned by Global;
// ResetGlobal discards it so the next Global call creates a fresh one.
// Conn does not use it: each Conn creates its own Generator with New.
var (
	globalMu sync.Mutex
	global   *Generator
)

// Global returns the process-wide Generator, creating it on first use.
func Global() *Generator {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New()
	}
	return global
}

// ResetGlobal discards the process-wide Generator so a subsequent Global
// call reseeds from crypto/rand, so no global generator state has to
// persist for the life of the process.
func ResetGlobal() {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = nil
}
