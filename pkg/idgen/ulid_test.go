package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommandIDIsSortableAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := NewCommandID()
		require.Len(t, id, 26)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestSequenceRecordsIssuedIDs(t *testing.T) {
	gen, issued := Sequence(NewCommandID)
	a, b := gen(), gen()
	assert.Equal(t, []string{a, b}, issued())
}
