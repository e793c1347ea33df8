package render

import (
	"strconv"
	"strings"
	"sync"
)

const frameMarkerPrefix = "Fra:"

// parseFrameLine extracts the frame number from a Blender progress line of
// the form "Fra:123 Mem:...". The number must immediately follow the marker
// and run to the first whitespace.
func parseFrameLine(line string) (int, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, frameMarkerPrefix) {
		return 0, false
	}
	rest := line[len(frameMarkerPrefix):]
	if i := strings.IndexFunc(rest, func(r rune) bool { return r == ' ' || r == '\t' }); i >= 0 {
		rest = rest[:i]
	}
	frame, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return frame, true
}

// frameSet deduplicates rendered frame numbers across concurrent chunk
// processes. Blender emits the same Fra: marker more than once per frame for
// multi-pass renders, so membership, not count, is what matters.
type frameSet struct {
	mu     sync.Mutex
	frames map[int]struct{}
}

func newFrameSet() *frameSet {
	return &frameSet{frames: make(map[int]struct{})}
}

func (s *frameSet) Add(frame int) {
	s.mu.Lock()
	s.frames[frame] = struct{}{}
	s.mu.Unlock()
}

func (s *frameSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}
