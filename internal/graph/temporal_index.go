package graph

import (
	"sort"
)

// TemporalIndex orders event IDs by timestamp: a sorted slice of distinct
// timestamps plus the IDs observed at each. Range scans binary-search the
// key slice, eviction cuts a prefix. Late arrivals insert mid-slice, which
// is fine for the mostly-append workload this serves.
type TemporalIndex struct {
	keys []int64
	byTS map[int64][]string
	size int
}

// NewTemporalIndex returns an empty index.
func NewTemporalIndex() *TemporalIndex {
	return &TemporalIndex{
		byTS: make(map[int64][]string),
	}
}

// Put records id at ts.
func (ix *TemporalIndex) Put(ts int64, id string) {
	bucket, ok := ix.byTS[ts]
	if !ok {
		i := sort.Search(len(ix.keys), func(i int) bool { return ix.keys[i] >= ts })
		ix.keys = append(ix.keys, 0)
		copy(ix.keys[i+1:], ix.keys[i:])
		ix.keys[i] = ts
	}
	ix.byTS[ts] = append(bucket, id)
	ix.size++
}

// Remove drops id from the ts bucket, removing the key when it empties.
func (ix *TemporalIndex) Remove(ts int64, id string) {
	bucket, ok := ix.byTS[ts]
	if !ok {
		return
	}
	for i, candidate := range bucket {
		if candidate != id {
			continue
		}
		bucket = append(bucket[:i], bucket[i+1:]...)
		ix.size--
		if len(bucket) == 0 {
			delete(ix.byTS, ts)
			ix.dropKey(ts)
		} else {
			ix.byTS[ts] = bucket
		}
		return
	}
}

func (ix *TemporalIndex) dropKey(ts int64) {
	i := sort.Search(len(ix.keys), func(i int) bool { return ix.keys[i] >= ts })
	if i < len(ix.keys) && ix.keys[i] == ts {
		ix.keys = append(ix.keys[:i], ix.keys[i+1:]...)
	}
}

// Range visits IDs with lo <= ts <= hi in ascending timestamp order,
// insertion order within one timestamp. Return false from fn to stop.
func (ix *TemporalIndex) Range(lo, hi int64, fn func(ts int64, id string) bool) {
	if hi < lo {
		return
	}
	start := sort.Search(len(ix.keys), func(i int) bool { return ix.keys[i] >= lo })
	for i := start; i < len(ix.keys) && ix.keys[i] <= hi; i++ {
		ts := ix.keys[i]
		for _, id := range ix.byTS[ts] {
			if !fn(ts, id) {
				return
			}
		}
	}
}

// CutBefore removes every entry with ts < floor and returns the removed
// IDs in ascending timestamp order.
func (ix *TemporalIndex) CutBefore(floor int64) []string {
	cut := sort.Search(len(ix.keys), func(i int) bool { return ix.keys[i] >= floor })
	if cut == 0 {
		return nil
	}
	var removed []string
	for _, ts := range ix.keys[:cut] {
		removed = append(removed, ix.byTS[ts]...)
		delete(ix.byTS, ts)
	}
	ix.keys = append([]int64{}, ix.keys[cut:]...)
	ix.size -= len(removed)
	return removed
}

// MostRecentAt returns the latest ID with ts <= at. Among IDs sharing the
// timestamp, the most recently inserted wins.
func (ix *TemporalIndex) MostRecentAt(at int64) (string, bool) {
	i := sort.Search(len(ix.keys), func(i int) bool { return ix.keys[i] > at })
	if i == 0 {
		return "", false
	}
	bucket := ix.byTS[ix.keys[i-1]]
	return bucket[len(bucket)-1], true
}

// Descend visits IDs with ts <= at in descending timestamp order, most
// recently inserted first within one timestamp. Return false from fn to
// stop. Callers use it to find the latest entry satisfying a predicate
// without scanning the whole index.
func (ix *TemporalIndex) Descend(at int64, fn func(ts int64, id string) bool) {
	i := sort.Search(len(ix.keys), func(i int) bool { return ix.keys[i] > at })
	for i--; i >= 0; i-- {
		ts := ix.keys[i]
		bucket := ix.byTS[ts]
		for j := len(bucket) - 1; j >= 0; j-- {
			if !fn(ts, bucket[j]) {
				return
			}
		}
	}
}

// Oldest returns the smallest indexed timestamp.
func (ix *TemporalIndex) Oldest() (int64, bool) {
	if len(ix.keys) == 0 {
		return 0, false
	}
	return ix.keys[0], true
}

// Newest returns the largest indexed timestamp.
func (ix *TemporalIndex) Newest() (int64, bool) {
	if len(ix.keys) == 0 {
		return 0, false
	}
	return ix.keys[len(ix.keys)-1], true
}

// Len returns the number of indexed IDs.
func (ix *TemporalIndex) Len() int {
	return ix.size
}
