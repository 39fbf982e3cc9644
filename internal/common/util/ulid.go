package util

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

var (
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	mu      sync.Mutex
)

// NewULID returns a new lowercase ULID.
// ULIDs sort lexicographically by creation time, which makes job ids
// convenient to eyeball in logs.
func NewULID() string {
	mu.Lock()
	defer mu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String())
}
