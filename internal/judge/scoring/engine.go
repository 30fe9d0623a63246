// Package scoring drives per-test and per-subtask scoring against a
// provisioned sandbox box, applying the subtask skip policy and
// aggregating a final Judge Result.
package scoring

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"fuzoj/internal/judge/artifact"
	"fuzoj/internal/judge/model"
	"fuzoj/internal/judge/sandbox"
	judgeerr "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/logger"

	"go.uber.org/zap"
)

// Runner is the subset of sandbox.Driver the scoring engine depends on,
// so tests can substitute a fake without spawning isolate.
type Runner interface {
	Run(ctx context.Context, box *sandbox.Box, testIndex uint64) (model.IsolateResult, error)
	Check(ctx context.Context, box *sandbox.Box, testIndex uint64) (bool, error)
}

// Engine scores one compiled box against a Task Manifest.
type Engine struct {
	Runner    Runner
	TasksRoot string

	// Archiver and SubmissionID are optional: when Archiver is set, each
	// test's stdout is uploaded under SubmissionID after the run completes.
	// A nil Archiver disables archival entirely (see internal/judge/artifact).
	Archiver     *artifact.Archiver
	SubmissionID int64
}

// NewEngine builds an Engine bound to the given sandbox runner.
func NewEngine(runner Runner, tasksRoot string) *Engine {
	return &Engine{Runner: runner, TasksRoot: tasksRoot}
}

// PreflightTestcases verifies every <i>.in/<i>.sol pair exists for a flat
// manifest's test count, or the total across all subtasks otherwise.
func (e *Engine) PreflightTestcases(taskID string, manifest *model.TaskManifest) bool {
	total := manifest.NumTestcases
	if manifest.HasSubtasks() {
		total = 0
		for _, st := range manifest.Subtasks {
			total += st.NumTestcases
		}
	}
	dir := filepath.Join(e.TasksRoot, taskID, "testcases")
	for i := uint64(1); i <= total; i++ {
		in := filepath.Join(dir, strconv.FormatUint(i, 10)+".in")
		sol := filepath.Join(dir, strconv.FormatUint(i, 10)+".sol")
		if !fileExists(in) || !fileExists(sol) {
			return false
		}
	}
	return true
}

// Score runs every test against box per the manifest's mode (flat or
// subtask) and returns the aggregated Judge Result.
func (e *Engine) Score(ctx context.Context, box *sandbox.Box, manifest *model.TaskManifest) (*model.JudgeResult, error) {
	var results []model.RunResult
	var total uint64
	var err error
	if manifest.HasSubtasks() {
		results, total, err = e.scoreSubtasks(ctx, box, manifest)
	} else {
		results, total, err = e.scoreFlat(ctx, box, manifest)
	}
	if err != nil {
		return nil, err
	}

	judge := &model.JudgeResult{Result: results, Status: model.StatusCompleted, Score: total}
	judge.AggregateTimeAndMemory()
	return judge, nil
}

// scoreFlat implements Mode A: each test scores full_score/num_testcases
// independently; award requires run-OK and checker-accept.
func (e *Engine) scoreFlat(ctx context.Context, box *sandbox.Box, manifest *model.TaskManifest) ([]model.RunResult, uint64, error) {
	if manifest.NumTestcases == 0 {
		return nil, 0, nil
	}
	perTest := manifest.FullScore / manifest.NumTestcases
	results := make([]model.RunResult, 0, manifest.NumTestcases)
	var total uint64

	for i := uint64(1); i <= manifest.NumTestcases; i++ {
		run, status, awarded, err := e.runAndCheck(ctx, box, i)
		if err != nil {
			return nil, 0, err
		}
		score := uint64(0)
		if awarded {
			score = perTest
			total += perTest
		}
		results = append(results, model.RunResult{
			Status:       status,
			TestIndex:    i,
			SubtaskIndex: 0,
			Score:        score,
			TimeSec:      run.TimeUsageSec,
			MemoryKB:     run.MemoryUsageKB,
		})
	}
	return results, total, nil
}

// scoreSubtasks implements Mode B: all-or-nothing per subtask, with a
// synthetic "Skipped" result once a subtask has already failed. The
// subtask's full_score is awarded to the total only when every test in it
// was awarded — this need not equal the sum of the subtask's
// (integer-truncated) per-test candidate scores.
func (e *Engine) scoreSubtasks(ctx context.Context, box *sandbox.Box, manifest *model.TaskManifest) ([]model.RunResult, uint64, error) {
	var results []model.RunResult
	var total uint64
	testIndex := uint64(1)

	for subtaskIdx, subtask := range manifest.Subtasks {
		subtaskNumber := uint64(subtaskIdx + 1)
		start := len(results)
		correctAll := true
		skipped := false

		for n := uint64(0); n < subtask.NumTestcases; n++ {
			if manifest.Skip && skipped {
				results = append(results, model.RunResult{
					Status:       model.StatusSkipped,
					TestIndex:    testIndex,
					SubtaskIndex: subtaskNumber,
				})
				testIndex++
				continue
			}

			run, status, awarded, err := e.runAndCheck(ctx, box, testIndex)
			if err != nil {
				return nil, 0, err
			}
			candidate := uint64(0)
			if subtask.NumTestcases > 0 {
				candidate = subtask.FullScore / subtask.NumTestcases
			}
			if !awarded {
				correctAll = false
				skipped = true
				candidate = 0
			}
			results = append(results, model.RunResult{
				Status:       status,
				TestIndex:    testIndex,
				SubtaskIndex: subtaskNumber,
				Score:        candidate,
				TimeSec:      run.TimeUsageSec,
				MemoryKB:     run.MemoryUsageKB,
			})
			testIndex++
		}

		if correctAll {
			total += subtask.FullScore
		} else {
			for i := start; i < len(results); i++ {
				results[i].Score = 0
			}
		}
	}
	return results, total, nil
}

// runAndCheck runs one test and, if the run was OK, invokes the checker.
// It returns the raw run result, the persisted status string, and whether
// the test was awarded (run-OK AND checker-accept).
func (e *Engine) runAndCheck(ctx context.Context, box *sandbox.Box, testIndex uint64) (model.IsolateResult, string, bool, error) {
	run, err := e.Runner.Run(ctx, box, testIndex)
	if err != nil {
		return model.IsolateResult{}, "", false, judgeerr.Wrapf(err, judgeerr.SandboxSpawnFailed, "run test %d", testIndex)
	}
	if e.Archiver != nil {
		e.Archiver.ArchiveTestOutput(ctx, e.SubmissionID, testIndex, filepath.Join(box.Path, "out.out"))
	}
	if run.Status != model.VerdictOK {
		return run, run.Status.StatusString(), false, nil
	}

	accepted, err := e.Runner.Check(ctx, box, testIndex)
	if err != nil {
		logger.Warn(ctx, "checker failed", zap.Uint64("test_index", testIndex), zap.Error(err))
		return run, run.Status.StatusString(), false, err
	}
	if !accepted {
		return run, model.StatusWrongAnswer, false, nil
	}
	return run, model.VerdictOK.StatusString(), true, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
