package health

import "time"

// LatencyWindow holds the most recent probe round trips. The oldest sample
// is evicted first. It is not safe for concurrent use.
type LatencyWindow struct {
	samples []time.Duration
	start   int
	n       int
	sum     time.Duration
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 100
	}
	return &LatencyWindow{samples: make([]time.Duration, size)}
}

func (w *LatencyWindow) Add(d time.Duration) {
	if w.n == len(w.samples) {
		w.sum -= w.samples[w.start]
		w.samples[w.start] = d
		w.start = (w.start + 1) % len(w.samples)
	} else {
		w.samples[(w.start+w.n)%len(w.samples)] = d
		w.n++
	}
	w.sum += d
}

func (w *LatencyWindow) Len() int { return w.n }
func (w *LatencyWindow) Cap() int { return len(w.samples) }

// Average is zero for an empty window.
func (w *LatencyWindow) Average() time.Duration {
	if w.n == 0 {
		return 0
	}
	return w.sum / time.Duration(w.n)
}

func (w *LatencyWindow) Min() time.Duration {
	var lo time.Duration
	for i := 0; i < w.n; i++ {
		d := w.samples[(w.start+i)%len(w.samples)]
		if i == 0 || d < lo {
			lo = d
		}
	}
	return lo
}

func (w *LatencyWindow) Max() time.Duration {
	var hi time.Duration
	for i := 0; i < w.n; i++ {
		if d := w.samples[(w.start+i)%len(w.samples)]; d > hi {
			hi = d
		}
	}
	return hi
}

// Samples returns the window oldest first.
func (w *LatencyWindow) Samples() []time.Duration {
	out := make([]time.Duration, w.n)
	for i := range out {
		out[i] = w.samples[(w.start+i)%len(w.samples)]
	}
	return out
}

func (w *LatencyWindow) Reset() {
	w.start, w.n, w.sum = 0, 0, 0
}
