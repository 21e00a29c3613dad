package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the number of concurrent transfers.
const DefaultWorkers = 4

// ErrUnknownTask means a name does not belong to the batch.
var ErrUnknownTask = errors.New("unknown download task")

// Pool runs batches of tasks with bounded concurrency.
type Pool struct {
	fetcher *Fetcher
	workers int
}

// NewPool creates a pool. workers <= 0 selects DefaultWorkers.
func NewPool(f *Fetcher, workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{fetcher: f, workers: workers}
}

type result struct {
	done chan struct{}
	file *CompletedFile
	err  error
}

// Batch is a set of downloads in flight. Consumers wait on individual names as
// they complete, or on the whole batch. The first failure cancels the rest.
type Batch struct {
	tasks   []Task
	results map[string]*result
	group   *errgroup.Group
	cancel  context.CancelFunc
	started chan struct{}

	waitOnce sync.Once
	waitErr  error
}

// Start schedules tasks in order and returns immediately. Task names must be unique.
func (p *Pool) Start(ctx context.Context, tasks []Task) (*Batch, error) {
	results := make(map[string]*result, len(tasks))
	for _, t := range tasks {
		if _, dup := results[t.Name]; dup {
			return nil, fmt.Errorf("duplicate download task %q", t.Name)
		}
		results[t.Name] = &result{done: make(chan struct{})}
	}

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.workers)

	b := &Batch{tasks: tasks, results: results, group: group, cancel: cancel, started: make(chan struct{})}

	go func() {
		defer close(b.started)
		for _, t := range tasks {
			r := results[t.Name]
			if gctx.Err() != nil {
				r.err = gctx.Err()
				close(r.done)
				continue
			}
			group.Go(func() error {
				defer close(r.done)
				r.file, r.err = p.fetcher.Fetch(gctx, t)
				return r.err
			})
		}
	}()
	return b, nil
}

// Wait blocks until the named task completes.
func (b *Batch) Wait(ctx context.Context, name string) (*CompletedFile, error) {
	r, ok := b.results[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	select {
	case <-r.done:
		return r.file, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitArchive returns the local path of the named archive once downloaded.
func (b *Batch) WaitArchive(ctx context.Context, name string) (string, error) {
	file, err := b.Wait(ctx, name)
	if err != nil {
		return "", err
	}
	return file.Path, nil
}

// WaitAll blocks until every task has finished and returns the completed files in
// task order together with the first failure.
func (b *Batch) WaitAll() ([]*CompletedFile, error) {
	b.waitOnce.Do(func() {
		<-b.started
		b.waitErr = b.group.Wait()
		b.cancel()
	})

	files := make([]*CompletedFile, 0, len(b.tasks))
	for _, t := range b.tasks {
		if r := b.results[t.Name]; r.file != nil {
			files = append(files, r.file)
		}
	}
	return files, b.waitErr
}

// Cancel stops outstanding transfers. Partial files stay for a later resume.
func (b *Batch) Cancel() {
	b.cancel()
}

// Discard cancels the batch and removes every downloaded and partial file.
func (b *Batch) Discard() error {
	b.cancel()
	b.WaitAll()

	var errs *multierror.Error
	for _, t := range b.tasks {
		for _, path := range []string{t.Destination, t.Destination + partSuffix} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}
