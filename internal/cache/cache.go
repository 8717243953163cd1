package cache

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// CachedAudio represents cached synthesized audio
type CachedAudio struct {
	Data      []byte
	Timestamp time.Time
}

// Key generates a cache key from the identifying parts of a request
func Key(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
