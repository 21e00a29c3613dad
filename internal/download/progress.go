package download

import (
	"sync"
	"sync/atomic"
	"time"
)

// Progress is a periodic snapshot of one transfer. Total is -1 when unknown and
// ETA is zero when it cannot be estimated.
type Progress struct {
	Name        string
	Transferred int64
	Total       int64
	Rate        float64 // bytes per second
	ETA         time.Duration
	Done        bool
}

// ProgressFunc receives progress snapshots. It is called from a background
// goroutine and must not block.
type ProgressFunc func(Progress)

type tracker struct {
	name        string
	total       int64
	transferred atomic.Int64

	lastBytes int64
	lastTick  time.Time
	rate      float64
}

func newTracker(name string, start, total int64) *tracker {
	t := &tracker{name: name, total: total, lastBytes: start, lastTick: time.Now()}
	t.transferred.Store(start)
	return t
}

func (t *tracker) add(n int) { t.transferred.Add(int64(n)) }

func (t *tracker) snapshot(now time.Time, done bool) Progress {
	cur := t.transferred.Load()
	if elapsed := now.Sub(t.lastTick).Seconds(); elapsed > 0 {
		instant := float64(cur-t.lastBytes) / elapsed
		if t.rate == 0 {
			t.rate = instant
		} else {
			t.rate = 0.7*t.rate + 0.3*instant
		}
	}
	t.lastBytes = cur
	t.lastTick = now

	p := Progress{Name: t.name, Transferred: cur, Total: t.total, Rate: t.rate, Done: done}
	if t.total > 0 && t.rate > 0 && cur < t.total {
		p.ETA = time.Duration(float64(t.total-cur) / t.rate * float64(time.Second))
	}
	return p
}

// report emits snapshots every interval until the returned stop function is
// called, which emits a final snapshot and waits for the reporter to exit.
func (t *tracker) report(interval time.Duration, fn ProgressFunc) (stop func(done bool)) {
	if fn == nil || interval <= 0 {
		return func(bool) {}
	}

	quit := make(chan bool)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				fn(t.snapshot(now, false))
			case done := <-quit:
				fn(t.snapshot(time.Now(), done))
				return
			}
		}
	}()

	var once sync.Once
	return func(done bool) {
		once.Do(func() {
			quit <- done
			<-exited
		})
	}
}

// gate blocks transfers while paused.
type gate struct {
	mu     sync.Mutex
	paused bool
	ch     chan struct{}
}

func (g *gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.ch = make(chan struct{})
	}
}

func (g *gate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.ch)
	}
}

func (g *gate) wait(done <-chan struct{}) bool {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return true
	}
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-done:
		return false
	}
}
