package batch

import (
	"fmt"
	"testing"

	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accountIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%012d", i)
	}
	return out
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		size      int
		wantSizes []int
	}{
		{name: "105 by 50", n: 105, size: 50, wantSizes: []int{50, 50, 5}},
		{name: "exact multiple", n: 100, size: 50, wantSizes: []int{50, 50}},
		{name: "smaller than size", n: 3, size: 50, wantSizes: []int{3}},
		{name: "size one", n: 3, size: 1, wantSizes: []int{1, 1, 1}},
		{name: "empty", n: 0, size: 10, wantSizes: []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := accountIDs(tt.n)
			got, err := Chunk(items, tt.size)
			require.NoError(t, err)

			sizes := make([]int, len(got))
			for i, b := range got {
				sizes[i] = len(b.Items)
				assert.Equal(t, i, b.Index)
			}
			assert.Equal(t, tt.wantSizes, sizes)
			if tt.n > 0 {
				assert.Equal(t, items, Flatten(got))
			}
		})
	}
}

func TestChunkIsDeterministic(t *testing.T) {
	items := accountIDs(37)
	a, err := Chunk(items, 8)
	require.NoError(t, err)
	b, err := Chunk(items, 8)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestChunkBatchesDoNotAlias(t *testing.T) {
	items := accountIDs(4)
	got, err := Chunk(items, 2)
	require.NoError(t, err)
	got[0].Items = append(got[0].Items, "extra")
	assert.Equal(t, "000000000002", got[1].Items[0])
}

func TestChunkInvalidSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		_, err := Chunk(accountIDs(5), size)
		assert.True(t, apierr.Is(err, apierr.Validation))
	}
}
