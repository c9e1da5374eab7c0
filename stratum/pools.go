package stratum

import (
	"fmt"
	"sync/atomic"
)

// PoolMetrics tracks the same three counters the teacher's PoolMetrics
// does (carlolib/metrics.go): na+nr is the total number of acquires, and
// na+nr-np is the number still outstanding. Unlike the teacher's version
// this one has no background ticker — SPEC_FULL.md's supplemented pool
// metrics are exposed on demand via Connection.PoolMetrics rather than
// polled on a timer, since nothing here needs periodic flushing.
type PoolMetrics struct {
	na uint64 // number of new acquires
	nr uint64 // number of reuse from pool
	np uint64 // number of put back to pool
}

func (m *PoolMetrics) addNew()     { atomic.AddUint64(&m.na, 1) }
func (m *PoolMetrics) addReuse()   { atomic.AddUint64(&m.nr, 1) }
func (m *PoolMetrics) addPutBack() { atomic.AddUint64(&m.np, 1) }

// PoolMetricsSnapshot is a point-in-time, non-atomic read of the three counters.
type PoolMetricsSnapshot struct {
	New     uint64
	Reused  uint64
	Release uint64
}

func (m *PoolMetrics) Snapshot() PoolMetricsSnapshot {
	return PoolMetricsSnapshot{
		New:     atomic.LoadUint64(&m.na),
		Reused:  atomic.LoadUint64(&m.nr),
		Release: atomic.LoadUint64(&m.np),
	}
}

func (s PoolMetricsSnapshot) String() string {
	return fmt.Sprintf("{new:%d reused:%d released:%d outstanding:%d}",
		s.New, s.Reused, s.Release, s.New+s.Reused-s.Release)
}

// ConnectionPoolMetrics is the snapshot Connection.PoolMetrics returns: one
// PoolMetricsSnapshot per internal pool this package keeps, mirroring the
// teacher's JsonStringPoolMetrics but returned as data rather than a
// pre-formatted string, since this is a library and not a CLI.
type ConnectionPoolMetrics struct {
	Chunks    PoolMetricsSnapshot
	Output    PoolMetricsSnapshot
	Awaiters  PoolMetricsSnapshot
}

func collectPoolMetrics() ConnectionPoolMetrics {
	return ConnectionPoolMetrics{
		Chunks:   inputChunkPool.m.Snapshot(),
		Output:   outputBufferMetrics.Snapshot(),
		Awaiters: awaiterPool.m.Snapshot(),
	}
}
