package model

// RunVerdict is the sandbox's raw per-test outcome, before checker review.
type RunVerdict string

const (
	VerdictOK               RunVerdict = "OK"
	VerdictTLE              RunVerdict = "TLE"
	VerdictMLE              RunVerdict = "MLE"
	VerdictRE               RunVerdict = "RE"
	VerdictSG               RunVerdict = "SG"
	VerdictXX               RunVerdict = "XX"
	VerdictCompilationError RunVerdict = "CompilationError"
)

// statusStrings maps a RunVerdict to the persisted per-test status string.
var statusStrings = map[RunVerdict]string{
	VerdictOK:  "Accepted",
	VerdictTLE: "Time Limit Exceeded",
	VerdictMLE: "Memory Limit Exceeded",
	VerdictRE:  "Runtime Error",
	VerdictSG:  "Signal Error",
	VerdictXX:  "Internal Error",
}

// StatusString returns the persisted status string for a raw verdict,
// independent of whether the checker later accepts or rejects it.
func (v RunVerdict) StatusString() string {
	if s, ok := statusStrings[v]; ok {
		return s
	}
	return "Internal Error"
}

const (
	StatusWrongAnswer      = "Wrong Answer"
	StatusSkipped          = "Skipped"
	StatusCompleted        = "Completed"
	StatusCompilationError = "Compilation Error"
	StatusTestcasesError   = "Testcases Error"
	StatusJudgeError       = "Judge Error"
	StatusJudging          = "Judging"
	StatusPending          = "Pending"
)

// IsolateResult is one sandboxed execution's raw outcome, parsed from the
// isolate meta file before checker review.
type IsolateResult struct {
	Status        RunVerdict
	TimeUsageSec  float64
	MemoryUsageKB uint64
}

// RunResult is one persisted per-test outcome.
type RunResult struct {
	Status       string  `json:"status"`
	TestIndex    uint64  `json:"test_index"`
	SubtaskIndex uint64  `json:"subtask_index"`
	Score        uint64  `json:"score"`
	TimeSec      float64 `json:"time_sec"`
	MemoryKB     uint64  `json:"memory_kb"`
}

// JudgeResult is the full per-submission verdict, as persisted in the
// submission row's result column.
type JudgeResult struct {
	Result   []RunResult `json:"result"`
	Status   string      `json:"status"`
	Score    uint64      `json:"score"`
	TimeMs   uint64      `json:"time_ms"`
	MemoryKB uint64      `json:"memory_kb"`
}

// AggregateTimeAndMemory recomputes TimeMs/MemoryKB as the maxima across
// non-skipped per-test results. Score is NOT recomputed here: in subtask
// mode the awarded total is the subtask's full_score, which need not equal
// the sum of its (integer-truncated) per-test scores, so the scoring
// engine tracks and assigns Score directly.
func (j *JudgeResult) AggregateTimeAndMemory() {
	var maxMem, maxTimeMs uint64
	for _, r := range j.Result {
		if r.Status == StatusSkipped {
			continue
		}
		if r.MemoryKB > maxMem {
			maxMem = r.MemoryKB
		}
		timeMs := uint64(r.TimeSec * 1000)
		if timeMs > maxTimeMs {
			maxTimeMs = timeMs
		}
	}
	j.MemoryKB = maxMem
	j.TimeMs = maxTimeMs
}
