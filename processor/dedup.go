// Package processor runs one worker per capturing session: it dedupes and
// batches comments, throttles viewer-count writes, tracks running counters,
// snapshots stats, and drives the session's terminal transition.
package processor

// dedupSet is a capacity-bounded set of recently-seen message ids. On
// overflow the whole set resets: bounded memory wins over perfect
// cross-batch dedup, and the storage unique key catches what slips through.
type dedupSet struct {
	capacity int
	seen     map[string]struct{}
	resets   int
}

func newDedupSet(capacity int) *dedupSet {
	if capacity <= 0 {
		capacity = 5000
	}
	return &dedupSet{capacity: capacity, seen: make(map[string]struct{}, capacity)}
}

// Add records id and reports whether it was new. Empty ids are always new:
// a provider that sends no message id gets storage-level dedup only.
func (d *dedupSet) Add(id string) bool {
	if id == "" {
		return true
	}
	if _, dup := d.seen[id]; dup {
		return false
	}
	if len(d.seen) >= d.capacity {
		d.seen = make(map[string]struct{}, d.capacity)
		d.resets++
	}
	d.seen[id] = struct{}{}
	return true
}
