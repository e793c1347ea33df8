package render

import "time"

// Outcome is the single terminal classification of a render run.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeAllOk
	OutcomeAborted
	OutcomeChunkRenderFailed
	OutcomeMixdownFailed
	OutcomeConcatFailed
	OutcomeUnexpected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllOk:
		return "all_ok"
	case OutcomeAborted:
		return "aborted"
	case OutcomeChunkRenderFailed:
		return "chunk_render_failed"
	case OutcomeMixdownFailed:
		return "mixdown_failed"
	case OutcomeConcatFailed:
		return "concat_failed"
	case OutcomeUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// Succeeded reports whether the run finished with every step passing.
func (o Outcome) Succeeded() bool {
	return o == OutcomeAllOk
}

// StageResult captures one post-processing step's exit code and output.
type StageResult struct {
	Step     string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Failed reports whether the step exited non-zero.
func (r StageResult) Failed() bool {
	return r.ExitCode != 0
}

// Result is the terminal report of one render run, delivered exactly once.
type Result struct {
	RunID           string
	Outcome         Outcome
	FramesRendered  int
	ChunksCompleted int
	ChunksTotal     int
	Stages          []StageResult
	ReportPath      string
	Err             error
	StartedAt       time.Time
	FinishedAt      time.Time
}
