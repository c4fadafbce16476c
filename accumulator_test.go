package halcmd_test

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/halcmd-go"
)

func seq(from, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = from + i
	}
	return out
}

// TEST150: batches concatenate in arrival order and are handed out once
func TestAccumulatorOrdering(t *testing.T) {
	acc := halcmd.NewAccumulator[int](halcmd.FragmentLimits{})

	p, err := acc.Feed(seq(0, 5), true)
	require.NoError(t, err)
	assert.Equal(t, halcmd.InProgress, p.State)
	assert.Nil(t, p.Items)
	assert.Equal(t, 5, p.Count)

	p, err = acc.Feed(seq(5, 3), true)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Fragments)
	assert.Equal(t, 8, acc.Len())

	p, err = acc.Feed(nil, false)
	require.NoError(t, err)
	assert.Equal(t, halcmd.Complete, p.State)
	assert.Equal(t, seq(0, 8), p.Items)
	assert.Equal(t, 3, p.Fragments)

	// exactly once
	p, err = acc.Feed([]int{99}, false)
	assert.ErrorIs(t, err, halcmd.ErrAccumulatorClosed)
	assert.Equal(t, halcmd.Complete, p.State)
	assert.Nil(t, p.Items)
	assert.Zero(t, acc.Len())
}

// TEST151: duplicates are kept as delivered
func TestAccumulatorKeepsDuplicates(t *testing.T) {
	acc := halcmd.NewAccumulator[string](halcmd.FragmentLimits{})
	_, err := acc.Feed([]string{"ap1", "ap2"}, true)
	require.NoError(t, err)
	p, err := acc.Feed([]string{"ap2"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"ap1", "ap2", "ap2"}, p.Items)
}

// TEST152: a parse failure discards everything gathered so far
func TestAccumulatorParseFailureDiscards(t *testing.T) {
	acc := halcmd.NewAccumulator[int](halcmd.FragmentLimits{})
	parse := func(b []byte) ([]int, error) {
		var out []int
		for _, f := range strings.Fields(string(b)) {
			n, err := strconv.Atoi(f)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	}

	_, err := acc.FeedRaw([]byte("1 2 3"), true, parse)
	require.NoError(t, err)
	p, err := acc.FeedRaw([]byte("4 x"), true, parse)
	assert.ErrorIs(t, err, halcmd.ErrParse)
	assert.Equal(t, halcmd.Discarded, p.State)
	assert.Nil(t, p.Items)
	assert.Zero(t, acc.Len())

	p, err = acc.FeedRaw([]byte("5"), false, parse)
	assert.ErrorIs(t, err, halcmd.ErrAccumulatorClosed)
	assert.ErrorIs(t, err, halcmd.ErrParse)
	assert.NotEqual(t, halcmd.Complete, p.State)
}

// TEST153: fragment and element ceilings discard the accumulation
func TestAccumulatorLimits(t *testing.T) {
	acc := halcmd.NewAccumulator[int](halcmd.FragmentLimits{MaxFragments: 2})
	_, err := acc.Feed([]int{1}, true)
	require.NoError(t, err)
	_, err = acc.Feed([]int{2}, true)
	require.NoError(t, err)
	_, err = acc.Feed([]int{3}, true)
	assert.ErrorIs(t, err, halcmd.ErrTooManyFragments)
	assert.Equal(t, halcmd.Discarded, acc.State())
	assert.ErrorIs(t, acc.Err(), halcmd.ErrTooManyFragments)

	acc = halcmd.NewAccumulator[int](halcmd.FragmentLimits{MaxElements: 4})
	_, err = acc.Feed(seq(0, 3), true)
	require.NoError(t, err)
	_, err = acc.Feed(seq(3, 2), false)
	assert.ErrorIs(t, err, halcmd.ErrOutOfMemory)
	assert.Zero(t, acc.Len())
}

// TEST154: negative limits disable the ceilings
func TestAccumulatorUnlimited(t *testing.T) {
	acc := halcmd.NewAccumulator[int](halcmd.FragmentLimits{MaxFragments: -1, MaxElements: -1})
	for i := 0; i < halcmd.DefaultMaxFragments+10; i++ {
		_, err := acc.Feed([]int{i}, true)
		require.NoError(t, err)
	}
	p, err := acc.Feed(nil, false)
	require.NoError(t, err)
	assert.Len(t, p.Items, halcmd.DefaultMaxFragments+10)
}

// TEST155: an explicit discard closes the accumulator
func TestAccumulatorDiscard(t *testing.T) {
	acc := halcmd.NewAccumulator[int](halcmd.FragmentLimits{})
	_, err := acc.Feed([]int{1, 2}, true)
	require.NoError(t, err)

	reason := errors.New("interface down")
	acc.Discard(reason)
	assert.Equal(t, halcmd.Discarded, acc.State())
	assert.Zero(t, acc.Len())

	_, err = acc.Feed([]int{3}, false)
	assert.ErrorIs(t, err, halcmd.ErrAccumulatorClosed)
	assert.ErrorIs(t, err, reason)

	// discarding a completed accumulator has no effect
	done := halcmd.NewAccumulator[int](halcmd.FragmentLimits{})
	_, err = done.Feed(nil, false)
	require.NoError(t, err)
	done.Discard(reason)
	assert.Equal(t, halcmd.Complete, done.State())
	assert.NoError(t, done.Err())
}

// TEST156: a single empty final fragment completes with no elements
func TestAccumulatorEmptyResult(t *testing.T) {
	acc := halcmd.NewAccumulator[int](halcmd.FragmentLimits{})
	p, err := acc.Feed(nil, false)
	require.NoError(t, err)
	assert.Equal(t, halcmd.Complete, p.State)
	assert.Empty(t, p.Items)
	assert.Equal(t, 1, p.Fragments)
}
