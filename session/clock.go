package session

import (
	"sync/atomic"
	"time"
)

var lastStamp int64

// nextStamp returns a strictly increasing last-modified timestamp in
// nanoseconds, so two rapid edits to the same record never carry the same
// value.
func nextStamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastStamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastStamp, last, now) {
			return now
		}
	}
}
