package apiclient

import (
	"io"
	"sync"
)

// ProgressFunc receives the fraction of an upload body that has been sent.
type ProgressFunc func(fraction float64)

type progressTracker struct {
	mu       sync.Mutex
	total    int64
	sent     int64
	last     float64
	reported bool
	settled  bool
	srcErr   error
	fn       ProgressFunc
}

func newProgressTracker(total int64, fn ProgressFunc) *progressTracker {
	return &progressTracker{total: total, fn: fn}
}

func (p *progressTracker) wrap(r io.Reader) io.Reader {
	return &progressReader{r: r, tracker: p}
}

func (p *progressTracker) advance(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent += int64(n)
	if p.total <= 0 {
		return
	}
	fraction := float64(p.sent) / float64(p.total)
	if fraction > 1 {
		fraction = 1
	}
	p.emitLocked(fraction)
}

// complete reports 1 once the whole body has been written.
func (p *progressTracker) complete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitLocked(1)
}

func (p *progressTracker) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srcErr == nil {
		p.srcErr = err
	}
}

// sourceErr is the first non-EOF error returned by the wrapped reader.
func (p *progressTracker) sourceErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.srcErr
}

// settle stops all further callbacks.
func (p *progressTracker) settle() {
	p.mu.Lock()
	p.settled = true
	p.mu.Unlock()
}

// emitLocked runs the callback under p.mu so settle cannot interleave with it.
func (p *progressTracker) emitLocked(fraction float64) {
	if p.fn == nil || p.settled {
		return
	}
	if p.reported && fraction <= p.last {
		return
	}
	p.last = fraction
	p.reported = true
	p.fn(fraction)
}

type progressReader struct {
	r       io.Reader
	tracker *progressTracker
}

func (r *progressReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	if n > 0 {
		r.tracker.advance(n)
	}
	if err != nil && err != io.EOF {
		r.tracker.fail(err)
	}
	return n, err
}
