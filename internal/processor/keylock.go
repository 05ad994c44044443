package processor

import (
	"hash/fnv"
	"sync"
)

// streamLocks serializes processing per (patient, metric) stream while
// leaving unrelated streams fully parallel. Striping keeps the lock set
// bounded regardless of patient population.
type streamLocks struct {
	stripes []sync.Mutex
}

func newStreamLocks(n int) *streamLocks {
	if n <= 0 {
		n = 128
	}
	return &streamLocks{
		stripes: make([]sync.Mutex, n),
	}
}

// Lock acquires the stripe for key and returns its unlock func.
func (l *streamLocks) Lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	stripe := &l.stripes[int(h.Sum32())%len(l.stripes)]
	stripe.Lock()
	return stripe.Unlock
}
