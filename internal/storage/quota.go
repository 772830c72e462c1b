package storage

import "sync/atomic"

// Quota is the byte budget shared by every queue file of a Store.
// Only the storage package changes the used counter, and only in the same
// step as the file write or delete it accounts for.
type Quota struct {
	used  atomic.Int64
	limit atomic.Int64
}

func newQuota(limit int64) *Quota {
	q := &Quota{}
	q.limit.Store(limit)
	storageQuotaLimitBytes.Set(float64(limit))
	return q
}

// Used returns the bytes currently accounted to queue files.
func (q *Quota) Used() int64 { return q.used.Load() }

// Limit returns the configured budget.
func (q *Quota) Limit() int64 { return q.limit.Load() }

// SetLimit changes the budget. Files already on disk are not evicted; new
// appends observe the new limit.
func (q *Quota) SetLimit(n int64) {
	q.limit.Store(n)
	storageQuotaLimitBytes.Set(float64(n))
}

// Available returns the bytes left under the budget (never negative).
func (q *Quota) Available() int64 {
	if a := q.Limit() - q.Used(); a > 0 {
		return a
	}
	return 0
}

func (q *Quota) fits(n int64) bool {
	return q.Used()+n <= q.Limit()
}

// tryReserve adds n to the used counter unless that would exceed the limit.
func (q *Quota) tryReserve(n int64) bool {
	for {
		used := q.used.Load()
		if used+n > q.limit.Load() {
			return false
		}
		if q.used.CompareAndSwap(used, used+n) {
			storageQuotaUsedBytes.Set(float64(used + n))
			return true
		}
	}
}

func (q *Quota) release(n int64) {
	if n == 0 {
		return
	}
	storageQuotaUsedBytes.Set(float64(q.used.Add(-n)))
}

func (q *Quota) reset(n int64) {
	q.used.Store(n)
	storageQuotaUsedBytes.Set(float64(n))
}
