// Package erasure wraps the Reed-Solomon codec CRaft uses to split a
// committed entry into per-follower shards (spec §2, §4.11). The codec
// itself is a black box per spec scope; this package only shapes its API
// to what the replica core needs: split-by-population with a
// reconstruction threshold equal to the commit quorum.
package erasure

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Coder splits data into NumAll shards recoverable from any NumData of
// them (NumData is set to the commit quorum, per spec §4.11).
type Coder struct {
	numData  int
	numAll   int
	enc      reedsolomon.Encoder
}

func New(numData, numAll int) (*Coder, error) {
	if numData <= 0 || numAll <= numData {
		return nil, fmt.Errorf("erasure: invalid shard config numData=%d numAll=%d", numData, numAll)
	}
	enc, err := reedsolomon.New(numData, numAll-numData)
	if err != nil {
		return nil, fmt.Errorf("erasure: new encoder: %w", err)
	}
	return &Coder{numData: numData, numAll: numAll, enc: enc}, nil
}

// Split encodes data into c.numAll shards, the first numData of which are
// data shards and the rest parity. Shards are sized to the encoder's
// requirement (padded with zeros internally by reedsolomon).
func (c *Coder) Split(data []byte) ([][]byte, error) {
	shards, err := c.enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("erasure: split: %w", err)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("erasure: encode: %w", err)
	}
	return shards, nil
}

// Reconstruct rebuilds the original data from a set of shards where
// missing ones are nil, then joins and trims to size n.
func (c *Coder) Reconstruct(shards [][]byte, n int) ([]byte, error) {
	cp := make([][]byte, len(shards))
	copy(cp, shards)
	if err := c.enc.Reconstruct(cp); err != nil {
		return nil, fmt.Errorf("erasure: reconstruct: %w", err)
	}
	out := make([]byte, 0, n)
	for _, s := range cp[:c.numData] {
		out = append(out, s...)
	}
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// EnoughShards reports whether present (count of non-nil shards) is enough
// to reconstruct — i.e. at least the commit quorum, matching CRaft's
// safety argument that decoding requires at least the commit quorum.
func (c *Coder) EnoughShards(present int) bool {
	return present >= c.numData
}

func (c *Coder) NumData() int { return c.numData }
func (c *Coder) NumAll() int  { return c.numAll }
