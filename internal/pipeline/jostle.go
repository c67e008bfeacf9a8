package pipeline

import (
	"sync"
	"time"

	"github.com/jmhodges/clock"
)

// jostleList bounds how many queries the pipeline holds in flight at
// once (spec §4.8 "jostle list"): once full, a newly arriving query
// evicts the single oldest in-flight entry if that entry has aged past
// jostle-timeout, otherwise the new query is rejected outright rather
// than queuing unboundedly.
type jostleList struct {
	mu       sync.Mutex
	capacity int
	timeout  time.Duration
	clk      clock.Clock
	entries  map[string]time.Time
	order    []string
}

func newJostleList(capacity int, timeout time.Duration, clk clock.Clock) *jostleList {
	if capacity <= 0 {
		capacity = 1024
	}
	if clk == nil {
		clk = clock.Default()
	}
	return &jostleList{
		capacity: capacity,
		timeout:  timeout,
		clk:      clk,
		entries:  make(map[string]time.Time),
	}
}

// Admit tries to add key to the in-flight set. It reports whether the
// query was admitted and, if admission required making room, the key
// of the entry that was jostled out.
func (j *jostleList) Admit(key string) (admitted bool, evicted string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, present := j.entries[key]; present {
		return true, ""
	}
	if len(j.entries) < j.capacity {
		j.entries[key] = j.clk.Now()
		j.order = append(j.order, key)
		return true, ""
	}

	oldestKey, oldestAt := j.oldest()
	if oldestKey == "" || j.clk.Now().Sub(oldestAt) < j.timeout {
		return false, ""
	}
	j.removeLocked(oldestKey)
	j.entries[key] = j.clk.Now()
	j.order = append(j.order, key)
	return true, oldestKey
}

// Done releases key from the in-flight set.
func (j *jostleList) Done(key string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.removeLocked(key)
}

// Len reports how many queries are currently held.
func (j *jostleList) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func (j *jostleList) oldest() (string, time.Time) {
	for _, k := range j.order {
		if at, present := j.entries[k]; present {
			return k, at
		}
	}
	return "", time.Time{}
}

func (j *jostleList) removeLocked(key string) {
	if _, present := j.entries[key]; !present {
		return
	}
	delete(j.entries, key)
	for i, k := range j.order {
		if k == key {
			j.order = append(j.order[:i], j.order[i+1:]...)
			break
		}
	}
}
