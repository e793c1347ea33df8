package render

// Snapshot is a point-in-time view of render progress handed to progress
// observers. Values are totals, not deltas.
type Snapshot struct {
	FramesRendered  int
	ChunksCompleted int
	ChunksTotal     int
	TotalFrames     int
}

// Percent returns frame completion in the range [0, 100].
func (s Snapshot) Percent() float64 {
	if s.TotalFrames <= 0 {
		return 0
	}
	pct := float64(s.FramesRendered) / float64(s.TotalFrames) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Done reports whether every chunk has completed.
func (s Snapshot) Done() bool {
	return s.ChunksTotal > 0 && s.ChunksCompleted == s.ChunksTotal
}

// progressThrottle decides which scheduler ticks produce an observer
// notification. The first and the final snapshot always pass; in between only
// every interval-th tick does, keeping observer traffic bounded regardless of
// tick rate.
type progressThrottle struct {
	interval     int
	ticks        int
	emittedFirst bool
	emittedFinal bool
}

func newProgressThrottle(interval int) *progressThrottle {
	if interval < 1 {
		interval = 1
	}
	return &progressThrottle{interval: interval}
}

func (t *progressThrottle) shouldEmit(s Snapshot) bool {
	if t.emittedFinal {
		return false
	}
	t.ticks++
	switch {
	case s.Done():
		t.emittedFinal = true
		return true
	case !t.emittedFirst:
		t.emittedFirst = true
		return true
	default:
		return t.ticks%t.interval == 0
	}
}
