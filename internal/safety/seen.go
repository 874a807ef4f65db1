package safety

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// seenSet is the cross-operation set of content hashes. Entries expire after
// retention and the set holds at most maxEntries, evicting the least recently
// added first.
//
// The cache drops expired entries on its own schedule; the stored time is
// checked against the enforcer clock so lookups and purges agree with it.
type seenSet struct {
	retention time.Duration
	now       func() time.Time
	cache     *expirable.LRU[string, time.Time]
}

func newSeenSet(retention time.Duration, maxEntries int, now func() time.Time) *seenSet {
	return &seenSet{
		retention: retention,
		now:       now,
		cache:     expirable.NewLRU[string, time.Time](maxEntries, nil, retention),
	}
}

func (s *seenSet) contains(hash string) bool {
	seenAt, ok := s.cache.Peek(hash)
	return ok && s.now().Sub(seenAt) < s.retention
}

// add records hashes as seen now. Re-adding a hash refreshes it.
func (s *seenSet) add(hashes ...string) {
	now := s.now()
	for _, h := range hashes {
		s.cache.Add(h, now)
	}
}

// purge drops entries older than the retention window and returns how many
// were removed.
func (s *seenSet) purge(now time.Time) int {
	removed := 0
	for _, h := range s.cache.Keys() { // oldest first
		seenAt, ok := s.cache.Peek(h)
		if !ok {
			continue
		}
		if now.Sub(seenAt) < s.retention {
			break
		}
		if s.cache.Remove(h) {
			removed++
		}
	}
	return removed
}

func (s *seenSet) len() int {
	return s.cache.Len()
}
