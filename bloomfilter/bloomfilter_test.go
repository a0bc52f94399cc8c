package bloomfilter

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// BBF-01: every inserted hash is found, and the observed false
// positive rate over a large query set stays below twice the target
// for a filter sized via MinLogSpace.
func TestInsertFindAndFalsePositiveRate(t *testing.T) {
	const ndv = 10000
	const targetFpp = 0.01

	logSpace := MinLogSpace(ndv, targetFpp)
	f, err := New(logSpace)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	inserted := make(map[uint32]bool, ndv)
	for len(inserted) < ndv {
		h := rng.Uint32()
		inserted[h] = true
		f.Insert(h)
	}
	for h := range inserted {
		require.True(t, f.Find(h), "inserted hash must always be found")
	}

	const numQueries = 200000
	falsePositives := 0
	for i := 0; i < numQueries; i++ {
		h := rng.Uint32()
		if inserted[h] {
			continue
		}
		if f.Find(h) {
			falsePositives++
		}
	}
	observed := float64(falsePositives) / float64(numQueries)
	require.Less(t, observed, 0.02, "observed fpp %.4f should stay close to target %.4f", observed, targetFpp)
}

// After a.Union(b), a finds every value inserted into either filter.
func TestUnion(t *testing.T) {
	a, err := New(10)
	require.NoError(t, err)
	b, err := New(10)
	require.NoError(t, err)

	aVals := []uint32{1, 2, 3, 4}
	bVals := []uint32{100, 200, 300}
	for _, v := range aVals {
		a.Insert(v)
	}
	for _, v := range bVals {
		b.Insert(v)
	}

	require.NoError(t, a.Union(b))
	for _, v := range aVals {
		require.True(t, a.Find(v))
	}
	for _, v := range bVals {
		require.True(t, a.Find(v))
	}
}

func TestAlwaysTrueFilter(t *testing.T) {
	f := AlwaysTrueFilter()
	require.True(t, f.Find(0))
	require.True(t, f.Find(12345))
}

func TestToWireFromWireRoundTrip(t *testing.T) {
	f, err := New(8)
	require.NoError(t, err)
	for _, v := range []uint32{7, 42, 1000} {
		f.Insert(v)
	}
	w := f.ToWire()
	g := FromWire(w)
	for _, v := range []uint32{7, 42, 1000} {
		require.True(t, g.Find(v))
	}
}

func TestMinLogSpaceMonotonic(t *testing.T) {
	small := MinLogSpace(100, 0.01)
	large := MinLogSpace(1000000, 0.01)
	require.LessOrEqual(t, small, large)
}
