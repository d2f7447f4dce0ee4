// Package merkle computes the canonical Bitcoin Merkle root: repeated
// pairwise double-SHA256, duplicating the last hash at each level with an
// odd count.
package merkle

import (
	"runtime"

	"golang.org/x/sync/errgroup"

	"chainstore/internal/chainhash"
)

// parallelThreshold is the level size above which pair reduction is
// spread across goroutines; below it the per-goroutine dispatch overhead
// would dominate the actual hashing work.
const parallelThreshold = 60

// Root computes the Merkle root of leaves. An empty input returns the
// zero hash; a single leaf is its own root, with no self-pairing round
// (matching the one-transaction block case: the coinbase hash itself is
// the header's merkle root).
func Root(leaves []chainhash.Hash) chainhash.Hash {
	if len(leaves) == 0 {
		return chainhash.Hash{}
	}

	level := make([]chainhash.Hash, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		level = reduceLevel(level)
	}
	return level[0]
}

// reduceLevel pairs up level into dsha(left||right) parents, duplicating
// the final element if level has odd length.
func reduceLevel(level []chainhash.Hash) []chainhash.Hash {
	if len(level)%2 == 1 {
		level = append(level, level[len(level)-1])
	}
	parents := make([]chainhash.Hash, len(level)/2)

	if len(level) < parallelThreshold {
		for i := range parents {
			parents[i] = chainhash.DoublePair(level[2*i], level[2*i+1])
		}
		return parents
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(parents) {
		workers = len(parents)
	}
	chunk := (len(parents) + workers - 1) / workers

	var g errgroup.Group
	for start := 0; start < len(parents); start += chunk {
		end := start + chunk
		if end > len(parents) {
			end = len(parents)
		}
		start, end := start, end
		g.Go(func() error {
			for i := start; i < end; i++ {
				parents[i] = chainhash.DoublePair(level[2*i], level[2*i+1])
			}
			return nil
		})
	}
	_ = g.Wait() // reduceLevel's workers never return an error

	return parents
}
