package statefile

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/coff33ninja/LANRage-sub004/pkg/logging"
)

// DefaultWriteDelay is how long queued snapshots coalesce before hitting
// disk.
const DefaultWriteDelay = 250 * time.Millisecond

// Persister is a single-writer write-behind batcher. QueueWrite never
// blocks the caller on disk; the most recent snapshot wins and is flushed
// at most once per delay window. I/O errors are logged and swallowed; the
// in-memory state stays authoritative.
type Persister struct {
	path   string
	delay  time.Duration
	logger logging.Logger

	mu      sync.Mutex
	pending []byte
	timer   *time.Timer
	closed  bool
}

// NewPersister creates a persister writing to path.
func NewPersister(path string, logger logging.Logger) *Persister {
	return &Persister{
		path:   path,
		delay:  DefaultWriteDelay,
		logger: logger,
	}
}

// QueueWrite snapshots v now and schedules a disk write. Multiple calls
// within the delay window coalesce into one write of the latest snapshot.
func (p *Persister) QueueWrite(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		p.logger.WithError(err).Warn("Failed to serialize state snapshot")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending = data
	if p.timer == nil {
		p.timer = time.AfterFunc(p.delay, p.write)
	}
}

// write runs on the timer goroutine; a snapshot queued while the disk
// write is in flight arms a fresh timer.
func (p *Persister) write() {
	p.mu.Lock()
	data := p.pending
	p.pending = nil
	p.timer = nil
	p.mu.Unlock()

	if data == nil {
		return
	}
	if err := WriteFileAtomic(p.path, data); err != nil {
		p.logger.WithError(err).WithField("path", p.path).Warn("Failed to persist state")
	}
}

// Flush writes any pending snapshot synchronously. Called on shutdown.
func (p *Persister) Flush() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	data := p.pending
	p.pending = nil
	p.mu.Unlock()

	if data == nil {
		return
	}
	if err := WriteFileAtomic(p.path, data); err != nil {
		p.logger.WithError(err).WithField("path", p.path).Warn("Failed to flush state")
	}
}

// Close flushes and rejects further writes.
func (p *Persister) Close() {
	p.Flush()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Path returns the target state file path.
func (p *Persister) Path() string {
	return p.path
}
