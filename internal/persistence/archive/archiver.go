package archive

import (
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Uploader is the object store an Archiver writes to. *Client implements it.
type Uploader interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type Config struct {
	// BaseDir is stripped from local paths to form object keys.
	BaseDir string
	// Prefix is prepended to every object key.
	Prefix        string
	Workers       int
	QueueCapacity int
	// EnqueueWait bounds how long Enqueue blocks on a full queue before
	// dropping the file.
	EnqueueWait   time.Duration
	UploadTimeout time.Duration
	Attempts      int
	RetryBackoff  time.Duration
	Logger        *log.Logger
}

type Stats struct {
	QueueDepth      int
	QueueCapacity   int
	UploadedTotal   uint64
	FailedTotal     uint64
	DroppedTotal    uint64
	LastSuccessUnix int64
	LastErrorUnix   int64
}

// Archiver uploads files handed to Enqueue on a small worker pool.
type Archiver struct {
	up     Uploader
	cfg    Config
	logger *log.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan string
	wg     sync.WaitGroup

	uploaded    atomic.Uint64
	failed      atomic.Uint64
	dropped     atomic.Uint64
	lastSuccess atomic.Int64
	lastError   atomic.Int64
}

func New(up Uploader, cfg Config) *Archiver {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 25 * time.Millisecond
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 2 * time.Minute
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 4
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	a := &Archiver{
		up:     up,
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan string, cfg.QueueCapacity),
	}
	a.cfg.Prefix = strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/")
	for i := 0; i < cfg.Workers; i++ {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for p := range a.jobs {
				a.upload(p)
			}
		}()
	}
	return a
}

// Enqueue schedules localPath for upload. It never blocks longer than
// EnqueueWait; a file that cannot be queued is dropped and counted.
func (a *Archiver) Enqueue(localPath string) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.jobs <- localPath:
		return
	default:
	}
	t := time.NewTimer(a.cfg.EnqueueWait)
	defer t.Stop()
	select {
	case a.jobs <- localPath:
	case <-t.C:
		n := a.dropped.Add(1)
		a.logger.Printf("drop %s: queue full (dropped_total=%d)", localPath, n)
	}
}

// Close drains queued uploads and stops the workers.
func (a *Archiver) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.jobs)
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Archiver) Stats() Stats {
	if a == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:      len(a.jobs),
		QueueCapacity:   cap(a.jobs),
		UploadedTotal:   a.uploaded.Load(),
		FailedTotal:     a.failed.Load(),
		DroppedTotal:    a.dropped.Load(),
		LastSuccessUnix: a.lastSuccess.Load(),
		LastErrorUnix:   a.lastError.Load(),
	}
}

func (a *Archiver) upload(localPath string) {
	key, err := a.objectKey(localPath)
	if err != nil {
		a.failed.Add(1)
		a.logger.Printf("skip %s: %v", localPath, err)
		return
	}
	var lastErr error
	for attempt := 1; attempt <= a.cfg.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.UploadTimeout)
		lastErr = a.up.PutFile(ctx, key, localPath)
		cancel()
		if lastErr == nil {
			a.uploaded.Add(1)
			a.lastSuccess.Store(time.Now().Unix())
			a.logger.Printf("uploaded %s", key)
			return
		}
		if attempt < a.cfg.Attempts {
			time.Sleep(time.Duration(attempt*attempt) * a.cfg.RetryBackoff)
		}
	}
	a.failed.Add(1)
	a.lastError.Store(time.Now().Unix())
	a.logger.Printf("upload %s failed after %d attempts: %v", key, a.cfg.Attempts, lastErr)
}

func (a *Archiver) objectKey(localPath string) (string, error) {
	base, err := filepath.Abs(a.cfg.BaseDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, base)
	}
	if a.cfg.Prefix != "" {
		rel = path.Join(a.cfg.Prefix, rel)
	}
	return rel, nil
}
