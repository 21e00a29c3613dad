// Package download fetches archives and metadata with mirror fallback, resumable
// partial files, bounded retries and hash verification.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/logging"
)

const (
	// DefaultRetries is the number of extra attempts after the first one.
	DefaultRetries = 3
	// DefaultProgressInterval is the cadence of progress snapshots.
	DefaultProgressInterval = 500 * time.Millisecond

	partSuffix = ".part"
	chunkSize  = 32 * 1024
)

// Task describes one file to download. Sources are tried in order. SHA256 and
// Size are optional; when set the file only completes if both match.
type Task struct {
	Name        string
	Sources     []string
	Destination string
	SHA256      string
	Size        int64
	// Offset resumes from this many bytes of an existing partial file.
	// Negative disables resume.
	Offset  int64
	Retries int
}

// CompletedFile is a verified download.
type CompletedFile struct {
	Name     string
	Path     string
	SHA256   string
	Size     int64
	Source   string
	Attempts int
}

// CredentialsProvider supplies credentials after a server asks for them.
type CredentialsProvider interface {
	Credentials(ctx context.Context, url, realm string) (Credentials, error)
}

// CredentialsFunc adapts a function to CredentialsProvider.
type CredentialsFunc func(ctx context.Context, url, realm string) (Credentials, error)

func (f CredentialsFunc) Credentials(ctx context.Context, url, realm string) (Credentials, error) {
	return f(ctx, url, realm)
}

// Fetcher downloads single tasks. It is safe for concurrent use.
type Fetcher struct {
	transports       map[string]Transport
	retries          int
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	progressInterval time.Duration
	onProgress       ProgressFunc
	credentials      CredentialsProvider
	logger           logging.Logger
	gate             gate
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTransport registers t for a URL scheme, replacing any default.
func WithTransport(scheme string, t Transport) Option {
	return func(f *Fetcher) { f.transports[scheme] = t }
}

// WithRetries sets the default retry bound for tasks that do not set their own.
func WithRetries(n int) Option {
	return func(f *Fetcher) { f.retries = n }
}

// WithBackoff sets the exponential backoff bounds between attempts.
func WithBackoff(initial, maxWait time.Duration) Option {
	return func(f *Fetcher) {
		f.initialBackoff = initial
		f.maxBackoff = maxWait
	}
}

// WithProgress reports progress every interval.
func WithProgress(interval time.Duration, fn ProgressFunc) Option {
	return func(f *Fetcher) {
		f.progressInterval = interval
		f.onProgress = fn
	}
}

// WithCredentials sets the provider consulted on authentication challenges.
func WithCredentials(p CredentialsProvider) Option {
	return func(f *Fetcher) { f.credentials = p }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(f *Fetcher) { f.logger = logging.OrNop(l) }
}

// NewFetcher creates a Fetcher with HTTP(S) and file transports.
func NewFetcher(opts ...Option) *Fetcher {
	httpTransport := NewHTTPTransport()
	f := &Fetcher{
		transports: map[string]Transport{
			"http":  httpTransport,
			"https": httpTransport,
			"file":  FileTransport{},
		},
		retries:          DefaultRetries,
		initialBackoff:   time.Second,
		maxBackoff:       30 * time.Second,
		progressInterval: DefaultProgressInterval,
		logger:           logging.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Pause suspends all transfers between chunks. Partial files are kept.
func (f *Fetcher) Pause() { f.gate.pause() }

// Resume continues paused transfers.
func (f *Fetcher) Resume() { f.gate.resume() }

// Fetch downloads task.Destination, retrying with exponential backoff. Each attempt
// walks the source list in order. A destination that already holds the expected
// bytes is returned without a transfer.
func (f *Fetcher) Fetch(ctx context.Context, task Task) (*CompletedFile, error) {
	if len(task.Sources) == 0 {
		return nil, &Error{Kind: KindTransport, Task: task.Name, Err: ErrNoSources}
	}
	if done, ok := f.alreadyComplete(task); ok {
		f.logger.Debug("download already complete", "name", task.Name, "path", task.Destination)
		return done, nil
	}

	retries := task.Retries
	if retries <= 0 {
		retries = f.retries
	}

	var (
		result   *CompletedFile
		attempts int
	)
	operation := func() error {
		attempts++
		file, err := f.attempt(ctx, task)
		if err == nil {
			result = file
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var dlErr *Error
		if errors.As(err, &dlErr) && !dlErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = f.initialBackoff
	eb.MaxInterval = f.maxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		f.logger.Warn("download attempt failed, retrying",
			"name", task.Name, "attempt", attempts, "wait", wait, "error", err)
	})
	if err != nil {
		return nil, err
	}

	result.Attempts = attempts
	f.logger.Info("download complete", "name", task.Name, "size", result.Size, "source", result.Source)
	return result, nil
}

// attempt tries every source once.
func (f *Fetcher) attempt(ctx context.Context, task Task) (*CompletedFile, error) {
	var lastErr error
	for _, src := range task.Sources {
		file, err := f.fetchFrom(ctx, task, src)
		if err == nil {
			return file, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.logger.Debug("source failed", "name", task.Name, "url", redact(src), "error", err)
		lastErr = err
	}
	return nil, lastErr
}

func (f *Fetcher) fetchFrom(ctx context.Context, task Task, src string) (*CompletedFile, error) {
	transport, err := f.transportFor(src)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Task: task.Name, URL: src, Err: err}
	}

	part := task.Destination + partSuffix
	if err := os.MkdirAll(filepath.Dir(part), 0755); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}

	offset := f.resumeOffset(task, part)
	hasher := sha256.New()
	if offset > 0 {
		if err := rehash(part, offset, hasher); err != nil {
			f.logger.Debug("discarding unreadable partial file", "path", part, "error", err)
			offset = 0
			hasher.Reset()
		}
	}

	resp, err := f.open(ctx, transport, task, src, offset)
	if err != nil {
		return nil, err
	}
	if resp.Offset != offset && resp.Offset != 0 {
		// The body does not continue the partial file, and it does not start at
		// zero either, so none of it is usable.
		resp.Body.Close()
		f.logger.Debug("source resumed at another offset, restarting",
			"name", task.Name, "offset", offset, "served", resp.Offset)
		resp, err = f.open(ctx, transport, task, src, 0)
		if err != nil {
			return nil, err
		}
		if resp.Offset != 0 {
			resp.Body.Close()
			return nil, &Error{Kind: KindNetwork, Task: task.Name, URL: src,
				Err: fmt.Errorf("source served offset %d without a range request", resp.Offset)}
		}
	}
	defer resp.Body.Close()

	if resp.Offset != offset {
		f.logger.Debug("source ignored resume offset, restarting", "name", task.Name, "offset", offset)
		offset = 0
		hasher.Reset()
	}

	out, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open partial file: %w", err)
	}
	if err := out.Truncate(offset); err != nil {
		out.Close()
		return nil, fmt.Errorf("truncate partial file: %w", err)
	}
	if _, err := out.Seek(offset, io.SeekStart); err != nil {
		out.Close()
		return nil, fmt.Errorf("seek partial file: %w", err)
	}

	total := task.Size
	if total <= 0 {
		total = resp.Total
	}
	tr := newTracker(task.Name, offset, total)
	stop := tr.report(f.progressInterval, f.onProgress)

	written, copyErr := f.copy(ctx, io.MultiWriter(out, hasher), resp.Body, tr)
	closeErr := out.Close()
	stop(copyErr == nil)

	if copyErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: KindNetwork, Task: task.Name, URL: src, Err: copyErr}
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close partial file: %w", closeErr)
	}

	size := offset + written
	sum := hex.EncodeToString(hasher.Sum(nil))
	if task.Size > 0 && size != task.Size {
		os.Remove(part)
		return nil, &Error{Kind: KindSizeMismatch, Task: task.Name, URL: src,
			Err: fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, size, task.Size)}
	}
	if task.SHA256 != "" && !strings.EqualFold(sum, task.SHA256) {
		os.Remove(part)
		return nil, &Error{Kind: KindHashMismatch, Task: task.Name, URL: src,
			Err: fmt.Errorf("%w: got %s, want %s", ErrHashVerificationFailed, sum, strings.ToLower(task.SHA256))}
	}

	if err := os.Rename(part, task.Destination); err != nil {
		return nil, fmt.Errorf("move download into place: %w", err)
	}
	return &CompletedFile{Name: task.Name, Path: task.Destination, SHA256: sum, Size: size, Source: src}, nil
}

// open connects to src, asking the credentials provider once on an auth challenge.
func (f *Fetcher) open(ctx context.Context, t Transport, task Task, src string, offset int64) (*Response, error) {
	req := Request{URL: src, Offset: offset}
	resp, err := t.Open(ctx, req)

	var dlErr *Error
	if err != nil && errors.As(err, &dlErr) && dlErr.Kind == KindAuth && f.credentials != nil {
		creds, credErr := f.credentials.Credentials(ctx, src, dlErr.Realm)
		if credErr != nil {
			return nil, &Error{Kind: KindAuth, Task: task.Name, URL: src, Realm: dlErr.Realm, Err: credErr}
		}
		req.Credentials = &creds
		resp, err = t.Open(ctx, req)
	}
	if err != nil {
		if errors.As(err, &dlErr) && dlErr.Task == "" {
			dlErr.Task = task.Name
		}
		return nil, err
	}
	return resp, nil
}

func (f *Fetcher) copy(ctx context.Context, dst io.Writer, src io.Reader, tr *tracker) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		if !f.gate.wait(ctx.Done()) {
			return written, ctx.Err()
		}
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			tr.add(n)
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func (f *Fetcher) resumeOffset(task Task, part string) int64 {
	if task.Offset < 0 {
		os.Remove(part)
		return 0
	}
	info, err := os.Stat(part)
	if err != nil {
		return 0
	}
	offset := info.Size()
	if task.Offset > 0 && task.Offset < offset {
		offset = task.Offset
	}
	if task.Size > 0 && offset >= task.Size {
		return 0
	}
	return offset
}

func (f *Fetcher) alreadyComplete(task Task) (*CompletedFile, bool) {
	if task.SHA256 == "" {
		return nil, false
	}
	info, err := os.Stat(task.Destination)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	if task.Size > 0 && info.Size() != task.Size {
		return nil, false
	}
	h := sha256.New()
	if err := rehash(task.Destination, info.Size(), h); err != nil {
		return nil, false
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(sum, task.SHA256) {
		return nil, false
	}
	return &CompletedFile{Name: task.Name, Path: task.Destination, SHA256: sum, Size: info.Size()}, true
}

func (f *Fetcher) transportFor(src string) (Transport, error) {
	scheme := "file"
	if strings.Contains(src, "://") {
		u, err := url.Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse URL: %w", err)
		}
		scheme = strings.ToLower(u.Scheme)
	}
	t, ok := f.transports[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	return t, nil
}

// rehash feeds the first n bytes of path into h.
func rehash(path string, n int64, h hash.Hash) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.CopyN(h, file, n)
	return err
}

// redact strips user info from URLs before logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}
