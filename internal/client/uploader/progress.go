package uploader

import (
	"io"
	"sync"
	"time"
)

// Progress is a point-in-time view of the whole batch.
type Progress struct {
	File           string
	FileBytes      int64
	FileSize       int64
	UploadedBytes  int64
	TotalBytes     int64
	Percent        float64
	BytesPerSecond float64
	// ETA is zero until throughput is known.
	ETA         time.Duration
	ActiveFiles int
}

type tracker struct {
	mu      sync.Mutex
	now     func() time.Time
	started time.Time
	sizes   map[string]int64
	sent    map[string]int64
	active  int
	notify  func(Progress)
}

func newTracker(now func() time.Time, notify func(Progress)) *tracker {
	return &tracker{
		now:    now,
		sizes:  make(map[string]int64),
		sent:   make(map[string]int64),
		notify: notify,
	}
}

func (t *tracker) admit(name string, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started.IsZero() {
		t.started = t.now()
	}
	t.sizes[name] = size
	t.sent[name] = 0
}

// drop removes a cancelled file from the batch totals.
func (t *tracker) drop(name string) {
	t.mu.Lock()
	delete(t.sizes, name)
	delete(t.sent, name)
	t.mu.Unlock()
}

func (t *tracker) setActive(delta int) {
	t.mu.Lock()
	t.active += delta
	t.mu.Unlock()
}

func (t *tracker) add(name string, n int64) {
	if n == 0 {
		return
	}
	t.mu.Lock()
	if _, ok := t.sizes[name]; !ok {
		t.mu.Unlock()
		return
	}
	sent := t.sent[name] + n
	if sent < 0 {
		sent = 0
	}
	if size := t.sizes[name]; sent > size {
		sent = size
	}
	t.sent[name] = sent
	p := t.snapshotLocked()
	p.File = name
	p.FileBytes = sent
	p.FileSize = t.sizes[name]
	notify := t.notify
	t.mu.Unlock()

	if notify != nil {
		notify(p)
	}
}

func (t *tracker) snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *tracker) snapshotLocked() Progress {
	var p Progress
	for name, size := range t.sizes {
		p.TotalBytes += size
		p.UploadedBytes += t.sent[name]
	}
	p.ActiveFiles = t.active
	if p.TotalBytes > 0 {
		p.Percent = float64(p.UploadedBytes) * 100 / float64(p.TotalBytes)
	}

	elapsed := t.now().Sub(t.started).Seconds()
	if t.started.IsZero() || elapsed <= 0 || p.UploadedBytes == 0 {
		return p
	}
	p.BytesPerSecond = float64(p.UploadedBytes) / elapsed
	remaining := p.TotalBytes - p.UploadedBytes
	p.ETA = time.Duration(float64(remaining) / p.BytesPerSecond * float64(time.Second))
	return p
}

// countingReader reports bytes as they are read so a failed attempt can be
// rolled back.
type countingReader struct {
	r     io.Reader
	n     int64
	onAdd func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.onAdd(int64(n))
	}
	return n, err
}

func (c *countingReader) rollback() {
	if c.n > 0 {
		c.onAdd(-c.n)
		c.n = 0
	}
}
