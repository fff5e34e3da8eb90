// Package idgen generates sortable identifiers for command records.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator produces a new unique identifier on each call.
type Generator func() string

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewCommandID returns a ULID that sorts by creation time.
func NewCommandID() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Sequence returns a Generator that records every id it hands out.
// Tests use it to assert on the identities of attempts.
func Sequence(next Generator) (Generator, func() []string) {
	var (
		smu    sync.Mutex
		issued []string
	)
	gen := func() string {
		id := next()
		smu.Lock()
		issued = append(issued, id)
		smu.Unlock()
		return id
	}
	list := func() []string {
		smu.Lock()
		defer smu.Unlock()
		return append([]string(nil), issued...)
	}
	return gen, list
}
