package engine

import (
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"

	"tablekit/internal/metadata"
)

const lockStripes = 64

// tableLocks maps table keys onto a fixed set of RW mutexes. Two tables may
// share a stripe; that only costs concurrency, never correctness.
type tableLocks struct {
	stripes [lockStripes]sync.RWMutex
}

func stripeOf(key metadata.TableKey) int {
	return int(murmur3.Sum32([]byte(key.String())) % lockStripes)
}

// lock takes the exclusive lock for key and returns its release func.
func (l *tableLocks) lock(key metadata.TableKey) func() {
	m := &l.stripes[stripeOf(key)]
	m.Lock()
	return m.Unlock
}

// rlock takes the shared lock for key and returns its release func.
func (l *tableLocks) rlock(key metadata.TableKey) func() {
	m := &l.stripes[stripeOf(key)]
	m.RLock()
	return m.RUnlock
}

// lockMany takes the exclusive locks of all keys in stripe order.
func (l *tableLocks) lockMany(keys ...metadata.TableKey) func() {
	seen := make(map[int]bool, len(keys))
	var idx []int
	for _, k := range keys {
		s := stripeOf(k)
		if !seen[s] {
			seen[s] = true
			idx = append(idx, s)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}

// appLock is the key that serializes changes to the table set of an app.
// Table names are never empty, so it does not collide with a table key.
func appLock(app string) metadata.TableKey {
	return metadata.TableKey{App: app}
}
