package pktline

import (
	"regexp"
	"strconv"
)

// boundedProgress matches "<task>: <n>/<m>" lines, e.g.
// "Compressing objects: 100% (42/42)" in spirit (Git's actual format omits
// the percentage sign from the machine-readable prefix the scraper keys
// on: "<task>: <n>/<m>").
var boundedProgress = regexp.MustCompile(`^(.+?): +(\d+)/(\d+)`)

// unboundedProgress matches "<task>: <n>" lines with no known total, e.g.
// "Counting objects: 1234".
var unboundedProgress = regexp.MustCompile(`^(.+?): +(\d+)\b`)

// ProgressUpdate is one parsed progress line.
type ProgressUpdate struct {
	Task    string
	Current int
	Total   int // 0 when Bounded is false
	Bounded bool
}

// ProgressScraper buffers partial progress lines arriving across multiple
// packets and parses complete lines (terminated by CR or LF) into
// ProgressUpdate values. A change in task name resets the counter baseline,
// since Git's progress meters restart numbering per phase.
type ProgressScraper struct {
	buf      []byte
	lastTask string
	onUpdate func(ProgressUpdate)
}

// NewProgressScraper returns a scraper that invokes onUpdate for each
// complete, recognised progress line. onUpdate may be nil to merely track
// state without acting on it.
func NewProgressScraper(onUpdate func(ProgressUpdate)) *ProgressScraper {
	return &ProgressScraper{onUpdate: onUpdate}
}

// Feed appends newly received progress-channel bytes and flushes any
// complete lines found.
func (p *ProgressScraper) Feed(data []byte) {
	p.buf = append(p.buf, data...)

	for {
		idx := -1
		for i, b := range p.buf {
			if b == '\r' || b == '\n' {
				idx = i
				break
			}
		}
		if idx == -1 {
			return
		}

		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]
		p.parseLine(string(line))
	}
}

func (p *ProgressScraper) parseLine(line string) {
	if m := boundedProgress.FindStringSubmatch(line); m != nil {
		task := m[1]
		n, errN := strconv.Atoi(m[2])
		total, errM := strconv.Atoi(m[3])
		if errN != nil || errM != nil {
			return
		}
		if task != p.lastTask {
			p.lastTask = task
		}
		if p.onUpdate != nil {
			p.onUpdate(ProgressUpdate{Task: task, Current: n, Total: total, Bounded: true})
		}
		return
	}

	if m := unboundedProgress.FindStringSubmatch(line); m != nil {
		task := m[1]
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return
		}
		if task != p.lastTask {
			p.lastTask = task
		}
		if p.onUpdate != nil {
			p.onUpdate(ProgressUpdate{Task: task, Current: n, Bounded: false})
		}
	}
}
