package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/download"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/engine"
)

// progressUI renders download and apply progress. It is both the fetcher's
// progress callback and the engine observer.
type progressUI struct {
	out io.Writer

	mu         sync.Mutex
	downloads  map[string]*transfer
	components *progressbar.ProgressBar
}

type transfer struct {
	bar  *progressbar.ProgressBar
	seen int64
}

func newProgressUI(out io.Writer) *progressUI {
	return &progressUI{out: out, downloads: make(map[string]*transfer)}
}

func (u *progressUI) download(p download.Progress) {
	u.mu.Lock()
	defer u.mu.Unlock()

	t, ok := u.downloads[p.Name]
	if !ok {
		if p.Total <= 0 {
			return
		}
		t = &transfer{bar: progressbar.NewOptions64(p.Total,
			progressbar.OptionSetWriter(u.out),
			progressbar.OptionSetDescription(p.Name),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(100*time.Millisecond),
		)}
		u.downloads[p.Name] = t
	}

	if delta := p.Transferred - t.seen; delta > 0 {
		_ = t.bar.Add64(delta)
		t.seen = p.Transferred
	}
	if p.Done {
		_ = t.bar.Finish()
		fmt.Fprintln(u.out)
		delete(u.downloads, p.Name)
	}
}

func (u *progressUI) StateChanged(s engine.State) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch s {
	case engine.StateResolving, engine.StateCanceling:
		fmt.Fprintf(u.out, "==> %s\n", s)
	case engine.StateFinalizing:
		if u.components != nil {
			_ = u.components.Finish()
			fmt.Fprintln(u.out)
			u.components = nil
		}
	}
}

func (u *progressUI) ComponentApplied(id string, done, total int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.components == nil {
		u.components = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(u.out),
			progressbar.OptionSetDescription("applying"),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowCount(),
		)
	}
	u.components.Describe(id)
	_ = u.components.Add(1)
}

// finish closes bars left open by an interrupted run.
func (u *progressUI) finish() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for name, t := range u.downloads {
		_ = t.bar.Finish()
		delete(u.downloads, name)
	}
	if u.components != nil {
		_ = u.components.Finish()
		u.components = nil
	}
}
