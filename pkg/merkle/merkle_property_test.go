//go:build property
// +build property

package merkle

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
)

// TestRootPermutationInvariance: once the leaf ordering is fixed (the
// sequencer sorts before sealing), shuffling the input events and re-sorting
// yields the identical root.
func TestRootPermutationInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("sorted event sets hash to the same root", prop.ForAll(
		func(ids []string, seed int64) bool {
			events := make([]contracts.AnchorEvent, 0, len(ids))
			seen := map[string]bool{}
			for i, id := range ids {
				if id == "" || seen[id] {
					continue
				}
				seen[id] = true
				events = append(events, contracts.AnchorEvent{
					ID:        id,
					Type:      contracts.EventMessage,
					Timestamp: int64(i % 3), // force timestamp ties
				})
			}

			sorted := contracts.SortEvents(append([]contracts.AnchorEvent(nil), events...))
			t1, err := BuildEventTree(sorted)
			if err != nil {
				return false
			}

			shuffled := append([]contracts.AnchorEvent(nil), events...)
			r := rand.New(rand.NewSource(seed))
			r.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			t2, err := BuildEventTree(contracts.SortEvents(shuffled))
			if err != nil {
				return false
			}

			return t1.Root() == t2.Root()
		},
		gen.SliceOf(gen.AlphaString()),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
