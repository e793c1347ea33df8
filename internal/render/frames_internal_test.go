package render

import "testing"

func TestParseFrameLine(t *testing.T) {
	cases := []struct {
		line  string
		frame int
		ok    bool
	}{
		{"Fra:42 Mem:29.96M (Peak 30.12M)", 42, true},
		{"Fra:1", 1, true},
		{"  Fra:250 | Remaining:00:01.02", 250, true},
		{"Fra: 42", 0, false},
		{"Fra:abc Mem:1M", 0, false},
		{"Saved: 'render-0042.png'", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		frame, ok := parseFrameLine(tc.line)
		if ok != tc.ok || frame != tc.frame {
			t.Errorf("parseFrameLine(%q) = (%d, %v), want (%d, %v)", tc.line, frame, ok, tc.frame, tc.ok)
		}
	}
}

func TestFrameSetDeduplicates(t *testing.T) {
	set := newFrameSet()
	for i := 0; i < 3; i++ {
		set.Add(7)
		set.Add(8)
	}
	if got := set.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}

func TestProgressThrottleFirstAndFinalAlwaysPass(t *testing.T) {
	throttle := newProgressThrottle(3)
	snap := func(done int) Snapshot {
		return Snapshot{ChunksCompleted: done, ChunksTotal: 10, FramesRendered: done * 10, TotalFrames: 100}
	}

	if !throttle.shouldEmit(snap(0)) {
		t.Fatal("first snapshot should always emit")
	}
	var emitted int
	for i := 0; i < 9; i++ {
		if throttle.shouldEmit(snap(i)) {
			emitted++
		}
	}
	if emitted != 3 {
		t.Fatalf("expected every third tick to emit, got %d of 9", emitted)
	}
	if !throttle.shouldEmit(snap(10)) {
		t.Fatal("final snapshot should always emit")
	}
	if throttle.shouldEmit(snap(10)) {
		t.Fatal("nothing should emit after the final snapshot")
	}
}

func TestSnapshotPercentClamped(t *testing.T) {
	s := Snapshot{FramesRendered: 150, TotalFrames: 100}
	if got := s.Percent(); got != 100 {
		t.Fatalf("Percent() = %v, want 100", got)
	}
	if got := (Snapshot{}).Percent(); got != 0 {
		t.Fatalf("Percent() on zero snapshot = %v, want 0", got)
	}
}
