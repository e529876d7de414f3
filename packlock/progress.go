package packlock

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// throttleInterval bounds how often a progress reporter actually emits,
// regardless of how often Update is called.
const throttleInterval = 500 * time.Millisecond

// Cancellable reports whether the owning session has been asked to stop;
// polled at round/batch boundaries by the negotiation and receive
// engines.
type Cancellable interface {
	IsCancelled() bool
}

type cancelFlag struct {
	mu        sync.Mutex
	cancelled bool
}

func (c *cancelFlag) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *cancelFlag) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
}

// SideBandWriter is the minimal surface SideBandProgressMonitor needs from
// pktline.SideBandWriter, kept narrow so tests can fake it without pulling
// in pktline.
type SideBandWriter interface {
	WriteProgress(data []byte) error
}

// SideBandProgressMonitor buffers task progress and emits a channel-2
// packet at most once per throttleInterval, or immediately whenever a
// bounded task crosses a new percentage point.
type SideBandProgressMonitor struct {
	mu           sync.Mutex
	w            SideBandWriter
	now          func() time.Time
	lastEmit     time.Time
	lastPercent  int
	cancelFlag
}

// NewSideBandProgressMonitor returns a monitor writing to w. nowFn may be
// nil to use time.Now; tests supply a deterministic clock instead.
func NewSideBandProgressMonitor(w SideBandWriter, nowFn func() time.Time) *SideBandProgressMonitor {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &SideBandProgressMonitor{w: w, now: nowFn, lastPercent: -1}
}

// Update reports progress on a bounded task (current/total known). It
// emits immediately the first time a new percentage point is crossed, and
// otherwise respects the throttle interval.
func (m *SideBandProgressMonitor) Update(task string, current, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	percent := 0
	if total > 0 {
		percent = current * 100 / total
	}

	now := m.now()
	crossedPercent := percent != m.lastPercent
	elapsed := now.Sub(m.lastEmit) >= throttleInterval

	if !crossedPercent && !elapsed && !m.lastEmit.IsZero() {
		return nil
	}

	m.lastPercent = percent
	m.lastEmit = now

	var line string
	if total > 0 {
		line = fmt.Sprintf("%s: %3d%% (%d/%d)\n", task, percent, current, total)
	} else {
		line = fmt.Sprintf("%s: %d\n", task, current)
	}
	return m.w.WriteProgress([]byte(line))
}

// ProgressSpinner writes a throttled "\r<msg>... (|/-\\)" animation to an
// arbitrary stream, for contexts without side-band multiplexing (e.g. a
// CLI demo binary talking to a dumb transport).
type ProgressSpinner struct {
	mu       sync.Mutex
	w        io.Writer
	now      func() time.Time
	lastEmit time.Time
	frame    int
	cancelFlag
}

var spinnerFrames = []rune{'|', '/', '-', '\\'}

// NewProgressSpinner returns a spinner writing to w.
func NewProgressSpinner(w io.Writer, nowFn func() time.Time) *ProgressSpinner {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &ProgressSpinner{w: w, now: nowFn}
}

// Tick advances the spinner with msg, subject to the same 500ms throttle.
func (p *ProgressSpinner) Tick(msg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !p.lastEmit.IsZero() && now.Sub(p.lastEmit) < throttleInterval {
		return nil
	}
	p.lastEmit = now

	frame := spinnerFrames[p.frame%len(spinnerFrames)]
	p.frame++

	_, err := fmt.Fprintf(p.w, "\r%s... (%c)", msg, frame)
	return err
}
