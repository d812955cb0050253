package alerting

import (
	"sync"
	"time"
)

const DefaultHistorySize = 2880

// ring is a fixed-size buffer of samples for one scope, oldest overwritten
// first.
type ring struct {
	buf      []Sample
	writePos int
	full     bool
}

func (r *ring) add(s Sample, max int) {
	if r.full {
		r.buf[r.writePos] = s
	} else {
		r.buf = append(r.buf, s)
	}
	r.writePos++
	if r.writePos >= max {
		r.writePos = 0
		r.full = true
	}
}

// ordered returns the samples oldest first.
func (r *ring) ordered() []Sample {
	if !r.full {
		out := make([]Sample, len(r.buf))
		copy(out, r.buf)
		return out
	}
	out := make([]Sample, 0, len(r.buf))
	out = append(out, r.buf[r.writePos:]...)
	return append(out, r.buf[:r.writePos]...)
}

// History keeps recent occupancy samples per department, plus the
// hospital-wide scope under "".
type History struct {
	mu     sync.RWMutex
	max    int
	scopes map[string]*ring
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{max: size, scopes: make(map[string]*ring)}
}

func (h *History) Record(s Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.scopes[s.DepartmentID]
	if !ok {
		r = &ring{buf: make([]Sample, 0, h.max)}
		h.scopes[s.DepartmentID] = r
	}
	r.add(s, h.max)
}

// Range returns the scope's samples with from <= At < until, oldest first.
func (h *History) Range(dept string, from, until time.Time) []Sample {
	h.mu.RLock()
	r, ok := h.scopes[dept]
	var all []Sample
	if ok {
		all = r.ordered()
	}
	h.mu.RUnlock()

	var out []Sample
	for _, s := range all {
		if !s.At.Before(from) && s.At.Before(until) {
			out = append(out, s)
		}
	}
	return out
}
