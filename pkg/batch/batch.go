// Package batch splits ordered account lists into fixed-size groups for
// consumers that can't take the whole set in one call.
package batch

import "github.com/common-fate/hubctl/pkg/apierr"

// Batch is an ordered slice of items. Index is the batch's position, starting at 0.
type Batch[T any] struct {
	Index int
	Items []T
}

// Chunk splits items into batches of size, preserving order. The last batch
// holds the remainder and may be smaller. An empty input yields no batches.
func Chunk[T any](items []T, size int) ([]Batch[T], error) {
	if size < 1 {
		return nil, apierr.Validationf("batch size must be at least 1, got %d", size)
	}
	out := make([]Batch[T], 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, Batch[T]{Index: len(out), Items: items[start:end:end]})
	}
	return out, nil
}

// Flatten concatenates batches back into one ordered slice.
func Flatten[T any](batches []Batch[T]) []T {
	var out []T
	for _, b := range batches {
		out = append(out, b.Items...)
	}
	return out
}
