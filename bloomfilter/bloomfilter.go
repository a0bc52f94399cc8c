// Package bloomfilter implements the Block Bloom Filter (BBF) from
// spec.md §4.4: a cache-line split Bloom filter co-designed with the
// hash-join path feeding BTS/BBM. Bucket hashing is built on
// github.com/cespare/xxhash/v2, the hashing library retrieved from
// the corpus (elliotnunn-BeHierarchic/go.mod), in place of the
// original's private Murmur-derived rehash — xxhash is the idiomatic
// Go substitute for a fast, well-distributed 64-bit hash with no
// license entanglement.
package bloomfilter

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// wordsPerBucket matches the original's 8 x 64-bit-word cache line
// (64 bytes), the unit every insert/find touches exactly once.
const wordsPerBucket = 8

// bucketSalt/bitsSalt distinguish the two independent hashes rehash32
// and rehash32to64 need from the same input word.
const bucketSalt uint64 = 0x9e3779b97f4a7c15
const bitsSalt uint64 = 0xc2b2ae3d27d4eb4f

// Bucket is one cache-line-sized slot of the filter.
type Bucket [wordsPerBucket]uint64

// Filter is a constant-memory Block Bloom Filter. LogNumBuckets is
// fixed at construction; there is no resize, matching spec.md §4.4
// "constant memory after construction; no resize".
type Filter struct {
	logNumBuckets int
	mask          uint32
	buckets       []Bucket
	alwaysTrue    bool // null-sentinel filter: every find() returns true
}

// New allocates a filter sized for 2^logHeapSpace bytes (log_heap_space
// >= 6, one cache line minimum).
func New(logHeapSpace int) (*Filter, error) {
	if logHeapSpace < 6 {
		return nil, fmt.Errorf("bloomfilter: log_heap_space %d below minimum 6", logHeapSpace)
	}
	logNumBuckets := logHeapSpace - 6 // each bucket is 2^6 = 64 bytes
	numBuckets := 1 << uint(logNumBuckets)
	return &Filter{
		logNumBuckets: logNumBuckets,
		mask:          uint32(numBuckets - 1),
		buckets:       make([]Bucket, numBuckets),
	}, nil
}

// AlwaysTrueFilter returns the null-sentinel filter spec.md §4.4
// describes for to_wire/from_wire's always_true flag: find() reports
// true unconditionally, modeling "no filter present".
func AlwaysTrueFilter() *Filter {
	return &Filter{alwaysTrue: true}
}

func rehash32(h uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], h)
	return uint32(xxhash.Sum64(append(b[:], byte(bucketSalt))))
}

func rehash32to64(h uint32) uint64 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], h)
	return xxhash.Sum64(append(b[:], byte(bitsSalt)))
}

// Insert adds h's membership to the filter, per spec.md §4.4
// "insert(h)".
func (f *Filter) Insert(h uint32) {
	if f.alwaysTrue {
		return
	}
	bucket := &f.buckets[rehash32(h)&f.mask]
	bits := rehash32to64(h)
	for i := 0; i < wordsPerBucket; i++ {
		bucket[i] |= 1 << (bits & 63)
		bits >>= 6
	}
}

// Find reports whether h may be a member, per spec.md §4.4 "find(h)".
// False positives are possible; false negatives are not.
func (f *Filter) Find(h uint32) bool {
	if f.alwaysTrue {
		return true
	}
	bucket := &f.buckets[rehash32(h)&f.mask]
	bits := rehash32to64(h)
	for i := 0; i < wordsPerBucket; i++ {
		if bucket[i]&(1<<(bits&63)) == 0 {
			return false
		}
		bits >>= 6
	}
	return true
}

// Union ORs other into f bucket-by-bucket, per spec.md §4.4
// "union(other)". Both filters must share log_num_buckets.
func (f *Filter) Union(other *Filter) error {
	if f.alwaysTrue || other.alwaysTrue {
		return fmt.Errorf("bloomfilter: cannot union an always-true filter")
	}
	if f.logNumBuckets != other.logNumBuckets {
		return fmt.Errorf("bloomfilter: mismatched log_num_buckets (%d vs %d)", f.logNumBuckets, other.logNumBuckets)
	}
	for i := range f.buckets {
		for w := 0; w < wordsPerBucket; w++ {
			f.buckets[i][w] |= other.buckets[i][w]
		}
	}
	return nil
}

// Wire is the to_wire/from_wire representation: a byte-copy of the
// bucket array plus the always_true sentinel, per spec.md §4.4.
type Wire struct {
	LogNumBuckets int
	AlwaysTrue    bool
	Buckets       []Bucket
}

func (f *Filter) ToWire() Wire {
	return Wire{LogNumBuckets: f.logNumBuckets, AlwaysTrue: f.alwaysTrue, Buckets: f.buckets}
}

func FromWire(w Wire) *Filter {
	if w.AlwaysTrue {
		return AlwaysTrueFilter()
	}
	numBuckets := 1 << uint(w.LogNumBuckets)
	return &Filter{
		logNumBuckets: w.LogNumBuckets,
		mask:          uint32(numBuckets - 1),
		buckets:       w.Buckets,
	}
}

// MaxNdv returns the largest number of distinct values a filter sized
// at logSpace bytes can hold while keeping its false-positive rate at
// or below fpp, per spec.md §4.4 "max_ndv(log_space, fpp)".
func MaxNdv(logSpace int, fpp float64) int64 {
	numBuckets := math.Exp2(float64(logSpace - 6))
	space := numBuckets * 64 * 8 // bits
	// Invert fpp = (1 - exp(-8*ndv/space))^8.
	inner := 1 - math.Pow(fpp, 1.0/8)
	ndv := -space / 8 * math.Log(inner)
	return int64(ndv)
}

// MinLogSpace returns the smallest log2 byte budget that can hold ndv
// distinct values at false-positive rate fpp, per spec.md §4.4
// "min_log_space(ndv, fpp)".
func MinLogSpace(ndv int64, fpp float64) int {
	for log := 6; log <= 30; log++ {
		if MaxNdv(log, fpp) >= ndv {
			return log
		}
	}
	return 30
}

// Fpp computes the expected false-positive rate for ndv distinct
// values inserted into a filter of logSpace bytes, per spec.md §4.4
// "fpp(ndv, log_space)".
func Fpp(ndv int64, logSpace int) float64 {
	numBuckets := math.Exp2(float64(logSpace - 6))
	space := numBuckets * 64 * 8
	return math.Pow(1-math.Exp(-8*float64(ndv)/space), 8)
}
