package r2s3

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fleetpilot.ai/internal/logging"
)

type Stats struct {
	QueueDepth         int
	QueueCapacity      int
	EnqueuedTotal      uint64
	DroppedTotal       uint64
	UploadSuccessTotal uint64
	UploadFailTotal    uint64
	LastSuccessUnix    int64
}

type MirrorOptions struct {
	// BaseDir is stripped from local paths to build object keys.
	BaseDir string
	Prefix  string
	Workers int
	Queue   int
	// Attempts per file; defaults to 4.
	Attempts int
	Backoff  time.Duration
	Logger   *slog.Logger
}

type uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

// Mirror uploads files in the background. Enqueue never blocks; files are
// dropped when the queue is full.
type Mirror struct {
	up       uploader
	baseDir  string
	prefix   string
	attempts int
	backoff  time.Duration
	log      *slog.Logger

	jobs      chan string
	wg        sync.WaitGroup
	closeOnce sync.Once

	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	success     atomic.Uint64
	failed      atomic.Uint64
	lastSuccess atomic.Int64
}

func NewMirror(c *Client, opts MirrorOptions) *Mirror {
	return newMirror(c, opts)
}

func newMirror(up uploader, opts MirrorOptions) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Queue <= 0 {
		opts.Queue = 256
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 4
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	m := &Mirror{
		up:       up,
		baseDir:  opts.BaseDir,
		prefix:   strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/"),
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		log:      logging.OrDiscard(opts.Logger).With("component", "r2s3"),
		jobs:     make(chan string, opts.Queue),
	}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.uploadOne(p)
			}
		}()
	}
	return m
}

func (m *Mirror) Enqueue(localPath string) {
	if m == nil {
		return
	}
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
	default:
		n := m.dropped.Add(1)
		m.log.Warn("mirror queue full, file dropped", "path", localPath, "dropped_total", n)
	}
}

// Close waits for queued uploads to finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		close(m.jobs)
		m.wg.Wait()
	})
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:         len(m.jobs),
		QueueCapacity:      cap(m.jobs),
		EnqueuedTotal:      m.enqueued.Load(),
		DroppedTotal:       m.dropped.Load(),
		UploadSuccessTotal: m.success.Load(),
		UploadFailTotal:    m.failed.Load(),
		LastSuccessUnix:    m.lastSuccess.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.failed.Add(1)
		m.log.Warn("mirror skip", "path", localPath, "err", err)
		return
	}
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			m.success.Add(1)
			m.lastSuccess.Store(time.Now().Unix())
			m.log.Debug("mirror uploaded", "key", key)
			return
		}
		if attempt >= m.attempts {
			break
		}
		time.Sleep(time.Duration(attempt*attempt) * m.backoff)
	}
	m.failed.Add(1)
	m.log.Error("mirror upload failed", "key", key, "attempts", m.attempts, "err", err)
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	absBase, err := filepath.Abs(m.baseDir)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", absLocal, absBase)
	}
	if m.prefix != "" {
		rel = path.Join(m.prefix, rel)
	}
	return rel, nil
}
