package diffusion

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand/v2"
)

// RandomSeed returns a 16-bit seed drawn from crypto/rand.
func RandomSeed() (int64, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return int64(binary.BigEndian.Uint16(buf[:])), nil
}

// SeedStream yields the per-image seeds of one request. It is seeded once,
// so images of a request are reproducible as a sequence yet distinct.
type SeedStream struct {
	r *mrand.Rand
}

// NewSeedStream starts a stream from seed.
func NewSeedStream(seed int64) *SeedStream {
	s := uint64(seed)
	return &SeedStream{r: mrand.New(mrand.NewPCG(s, s^0x9e3779b97f4a7c15))}
}

// Next returns the next non-negative seed.
func (s *SeedStream) Next() int64 {
	return s.r.Int64()
}
