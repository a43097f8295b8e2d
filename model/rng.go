package model

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// RNG is the process-wide random stream: it shuffles batches, initialises
// weights and seeds per-example dropout. Its state goes into checkpoints.
type RNG struct {
	*rand.Rand
	src *rand.PCG
}

func NewRNG(seed uint64) *RNG {
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &RNG{Rand: rand.New(src), src: src}
}

func (r *RNG) State() ([]byte, error) {
	return r.src.MarshalBinary()
}

func (r *RNG) Restore(state []byte) error {
	if err := r.src.UnmarshalBinary(state); err != nil {
		return errors.Wrap(err, "restore random state")
	}
	return nil
}
