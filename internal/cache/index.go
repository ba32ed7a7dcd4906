package cache

import (
	"encoding/binary"
	"math"

	"github.com/spaolacci/murmur3"
)

// index maps input vectors to dense ids. Two vectors are the same key only
// when every component has identical bits, so -0 and +0 differ and a NaN
// matches only a NaN with the same payload.
type index struct {
	buckets map[uint64][]int
	keys    [][]float64
}

func newIndex() *index {
	return &index{buckets: map[uint64][]int{}}
}

func hashKey(x []float64) uint64 {
	buf := make([]byte, 8*len(x))
	for i, v := range x {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return murmur3.Sum64(buf)
}

func sameBits(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
			return false
		}
	}
	return true
}

// find returns the id of x, or -1.
func (ix *index) find(x []float64) int {
	return ix.findHashed(hashKey(x), x)
}

func (ix *index) findHashed(h uint64, x []float64) int {
	for _, id := range ix.buckets[h] {
		if sameBits(ix.keys[id], x) {
			return id
		}
	}
	return -1
}

// add returns the id of x, inserting a copy when it is new.
func (ix *index) add(x []float64) (id int, added bool) {
	h := hashKey(x)
	if id := ix.findHashed(h, x); id >= 0 {
		return id, false
	}
	id = len(ix.keys)
	ix.keys = append(ix.keys, append([]float64(nil), x...))
	ix.buckets[h] = append(ix.buckets[h], id)
	return id, true
}

func (ix *index) len() int { return len(ix.keys) }
