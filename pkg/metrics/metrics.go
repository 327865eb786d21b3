// Package metrics mirrors the DAOS vea_metrics gauges/counters
// (STAT_RESRV_*, STAT_FRAGS_*, STAT_FREE_*) behind a small Sink
// interface, the same "dynamic dispatch for observability" shape
// spec.md §9 calls for. It sits off the fast path: Instance holds one
// Sink and calls it from reserve/free/flush, but nothing in the core
// allocation logic depends on which Sink implementation is installed.
package metrics

import "sync/atomic"

// Sink receives allocator statistics. Query callers read a Snapshot
// rather than poking the Sink directly.
type Sink interface {
	IncReserveHint()
	IncReserveLarge()
	IncReserveSmall()
	IncReserveBitmap()
	SetFragsLarge(n int64)
	SetFragsSmall(n int64)
	SetFragsAging(n int64)
	SetFragsBitmap(n int64)
	SetFreeExtentBlks(n int64)
	SetFreeBitmapBlks(n int64)
	Snapshot() Snapshot
}

// Snapshot is a point-in-time read of every counter/gauge, the payload
// of the query() API's stat block in spec.md §6.
type Snapshot struct {
	ResrvHint, ResrvLarge, ResrvSmall, ResrvBitmap int64
	FragsLarge, FragsSmall, FragsAging, FragsBitmap int64
	FreeExtentBlks, FreeBitmapBlks                  int64
}

// Counters is the default in-process Sink: plain atomics, no external
// telemetry system wired in (spec.md explicitly places telemetry sinks
// out of scope as an external collaborator — this is the trivial stand-in
// callers can wrap to forward into one).
type Counters struct {
	resrvHint, resrvLarge, resrvSmall, resrvBitmap   int64
	fragsLarge, fragsSmall, fragsAging, fragsBitmap  int64
	freeExtentBlks, freeBitmapBlks                   int64
}

func New() *Counters { return &Counters{} }

func (c *Counters) IncReserveHint()   { atomic.AddInt64(&c.resrvHint, 1) }
func (c *Counters) IncReserveLarge()  { atomic.AddInt64(&c.resrvLarge, 1) }
func (c *Counters) IncReserveSmall()  { atomic.AddInt64(&c.resrvSmall, 1) }
func (c *Counters) IncReserveBitmap() { atomic.AddInt64(&c.resrvBitmap, 1) }

func (c *Counters) SetFragsLarge(n int64)  { atomic.StoreInt64(&c.fragsLarge, n) }
func (c *Counters) SetFragsSmall(n int64)  { atomic.StoreInt64(&c.fragsSmall, n) }
func (c *Counters) SetFragsAging(n int64)  { atomic.StoreInt64(&c.fragsAging, n) }
func (c *Counters) SetFragsBitmap(n int64) { atomic.StoreInt64(&c.fragsBitmap, n) }

func (c *Counters) SetFreeExtentBlks(n int64) { atomic.StoreInt64(&c.freeExtentBlks, n) }
func (c *Counters) SetFreeBitmapBlks(n int64) { atomic.StoreInt64(&c.freeBitmapBlks, n) }

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		ResrvHint:      atomic.LoadInt64(&c.resrvHint),
		ResrvLarge:     atomic.LoadInt64(&c.resrvLarge),
		ResrvSmall:     atomic.LoadInt64(&c.resrvSmall),
		ResrvBitmap:    atomic.LoadInt64(&c.resrvBitmap),
		FragsLarge:     atomic.LoadInt64(&c.fragsLarge),
		FragsSmall:     atomic.LoadInt64(&c.fragsSmall),
		FragsAging:     atomic.LoadInt64(&c.fragsAging),
		FragsBitmap:    atomic.LoadInt64(&c.fragsBitmap),
		FreeExtentBlks: atomic.LoadInt64(&c.freeExtentBlks),
		FreeBitmapBlks: atomic.LoadInt64(&c.freeBitmapBlks),
	}
}

// Discard is a Sink that records nothing; a vea Instance uses it unless
// one is installed with vea.WithMetrics, so metrics are opt-in.
type Discard struct{}

func (Discard) IncReserveHint()            {}
func (Discard) IncReserveLarge()           {}
func (Discard) IncReserveSmall()           {}
func (Discard) IncReserveBitmap()          {}
func (Discard) SetFragsLarge(int64)        {}
func (Discard) SetFragsSmall(int64)        {}
func (Discard) SetFragsAging(int64)        {}
func (Discard) SetFragsBitmap(int64)       {}
func (Discard) SetFreeExtentBlks(int64)    {}
func (Discard) SetFreeBitmapBlks(int64)    {}
func (Discard) Snapshot() Snapshot         { return Snapshot{} }
