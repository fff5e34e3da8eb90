package nats_test

import (
	"fmt"
	"testing"

	natspkg "github.com/plaenen/commandcore/pkg/nats"
	"github.com/stretchr/testify/assert"
)

func TestJumpHash(t *testing.T) {
	t.Run("single bucket", func(t *testing.T) {
		for key := uint64(0); key < 100; key++ {
			assert.Equal(t, 0, natspkg.JumpHash(key, 1))
			assert.Equal(t, 0, natspkg.JumpHash(key, 0))
		}
	})

	t.Run("in range and stable", func(t *testing.T) {
		for key := uint64(0); key < 1000; key++ {
			b := natspkg.JumpHash(key, 7)
			assert.GreaterOrEqual(t, b, 0)
			assert.Less(t, b, 7)
			assert.Equal(t, b, natspkg.JumpHash(key, 7))
		}
	})

	t.Run("growing only moves keys to the new bucket", func(t *testing.T) {
		for key := uint64(0); key < 1000; key++ {
			before := natspkg.JumpHash(key, 5)
			after := natspkg.JumpHash(key, 6)
			if before != after {
				assert.Equal(t, 5, after)
			}
		}
	})

	t.Run("spreads keys", func(t *testing.T) {
		counts := make([]int, 4)
		for i := 0; i < 4000; i++ {
			counts[natspkg.Partition(fmt.Sprintf("loan/%d", i), 4)]++
		}
		for _, c := range counts {
			assert.InDelta(t, 1000, c, 200)
		}
	})
}
