// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// DistributedSampler splits the indices of a dataset across the ranks of a data-parallel job.
//
// Every rank gets the same number of indices, ceil(n/numReplicas): the index list is padded by
// wrapping around to its beginning. When shuffling, all ranks use the same permutation for a given
// epoch, seeded from seed+epoch, so together they cover the whole dataset exactly once (plus padding).
// Rank r takes the positions r, r+numReplicas, r+2*numReplicas, ...
type DistributedSampler struct {
	numReplicas, rank int
	shuffle           bool
	seed              int64
	epoch             int
}

// NewDistributedSampler creates a sampler for the given rank in [0, numReplicas).
func NewDistributedSampler(numReplicas, rank int, shuffle bool, seed int64) (*DistributedSampler, error) {
	if numReplicas < 1 {
		return nil, errors.Errorf("DistributedSampler requires numReplicas >= 1, got %d", numReplicas)
	}
	if rank < 0 || rank >= numReplicas {
		return nil, errors.Errorf("DistributedSampler rank %d out of range [0, %d)", rank, numReplicas)
	}
	return &DistributedSampler{numReplicas: numReplicas, rank: rank, shuffle: shuffle, seed: seed}, nil
}

// SetEpoch sets the epoch used to seed the shuffling. It should be called at the start of each
// epoch, with the same value on all ranks.
func (s *DistributedSampler) SetEpoch(epoch int) { s.epoch = epoch }

// Epoch returns the current epoch.
func (s *DistributedSampler) Epoch() int { return s.epoch }

// Rank of the sampler.
func (s *DistributedSampler) Rank() int { return s.rank }

// NumReplicas is the number of ranks the indices are split across.
func (s *DistributedSampler) NumReplicas() int { return s.numReplicas }

// NumSamples returns the number of indices each rank gets for a dataset of n examples.
func (s *DistributedSampler) NumSamples(n int) int {
	return (n + s.numReplicas - 1) / s.numReplicas
}

// Indices returns the dataset indices of this rank for the current epoch, for a dataset of n examples.
func (s *DistributedSampler) Indices(n int) []int {
	if n == 0 {
		return nil
	}
	var order []int
	if s.shuffle {
		order = epochPermutation(n, s.seed, s.epoch)
	} else {
		order = make([]int, n)
		for ii := range order {
			order[ii] = ii
		}
	}
	numSamples := s.NumSamples(n)
	totalSize := numSamples * s.numReplicas
	for len(order) < totalSize {
		order = append(order, order[:min(totalSize-len(order), n)]...)
	}
	indices := make([]int, 0, numSamples)
	for pos := s.rank; pos < totalSize; pos += s.numReplicas {
		indices = append(indices, order[pos])
	}
	return indices
}

// epochPermutation returns a permutation of n elements that depends only on seed+epoch.
func epochPermutation(n int, seed int64, epoch int) []int {
	return rand.New(rand.NewPCG(uint64(seed+int64(epoch)), 0x73616d706c6572)).Perm(n)
}
