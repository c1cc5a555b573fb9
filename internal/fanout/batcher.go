// Package fanout delivers one message to every registered device: it batches
// recipients, dispatches batches concurrently through a push gateway and
// reconciles the per-recipient outcomes against the device registry.
package fanout

import (
	"iter"
	"slices"

	"github.com/tinywideclouds/go-fanout-service/pkg/dispatch"
)

// DefaultBatchSize is the gateway's multicast limit.
const DefaultBatchSize = 1000

// Batch is an ordered group of recipients sent in one gateway call.
type Batch []dispatch.Recipient

// Partition lazily splits recipients into contiguous batches of size.
// Each yielded batch is a copy, so callers may hand it to another goroutine.
func Partition(recipients []dispatch.Recipient, size int) iter.Seq[Batch] {
	if size < 1 {
		size = DefaultBatchSize
	}
	return func(yield func(Batch) bool) {
		for chunk := range slices.Chunk(recipients, size) {
			if !yield(Batch(slices.Clone(chunk))) {
				return
			}
		}
	}
}

// BatchCount is the number of batches Partition yields for n recipients.
func BatchCount(n, size int) int {
	if size < 1 {
		size = DefaultBatchSize
	}
	return (n + size - 1) / size
}
