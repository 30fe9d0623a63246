// Package sandbox drives an external isolate(1)-compatible sandbox as a
// subprocess: one box per submission, one invocation per test.
package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"fuzoj/internal/judge/model"
	judgeerr "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/logger"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// IsolateBinary is the external sandbox executable name, overridable in tests.
var IsolateBinary = "isolate"

// Box is a provisioned sandbox working directory, owned exclusively by one
// worker from Init to Cleanup.
type Box struct {
	ID   uint16
	Path string // <box root>/box

	taskID          string
	ext             string
	compileTemplate string
	runTemplate     string
	checker         string
	timeLimitSec    float64
	memoryLimitKB   uint64
}

// Driver wraps the isolate CLI. It is stateless and safe for concurrent use
// across workers, as long as each call targets a distinct box ID.
type Driver struct {
	TasksRoot   string
	CheckerRoot string
}

// NewDriver builds a Driver rooted at the given tasks/ and checker/ directories.
func NewDriver(tasksRoot, checkerRoot string) *Driver {
	return &Driver{TasksRoot: tasksRoot, CheckerRoot: checkerRoot}
}

// Init provisions box boxID: runs `isolate --init`, writes the source file,
// and copies every testcase file into the box flat. If a step after
// `isolate --init` fails, the box is cleaned up before the error returns.
func (d *Driver) Init(ctx context.Context, boxID uint16, taskID string, manifest *model.TaskManifest, profile model.LanguageProfile, source string) (*Box, error) {
	out, err := runCaptured(ctx, IsolateBinary, "--cg", boxArg(boxID), "--init")
	if err != nil {
		return nil, judgeerr.Wrapf(err, judgeerr.SandboxInitFailed, "isolate init box %d", boxID)
	}
	boxRoot := strings.TrimSpace(out)
	if boxRoot == "" {
		return nil, judgeerr.Newf(judgeerr.SandboxInitFailed, "isolate init box %d returned empty root", boxID)
	}

	box := &Box{
		ID:              boxID,
		Path:            filepath.Join(boxRoot, "box"),
		taskID:          taskID,
		ext:             profile.Ext,
		compileTemplate: profile.CompileTemplate,
		runTemplate:     profile.RunTemplate,
		checker:         manifest.Checker,
		timeLimitSec:    manifest.TimeLimitSec,
		memoryLimitKB:   manifest.MemoryLimitKB(),
	}
	provisioned := false
	defer func() {
		if !provisioned {
			d.Cleanup(ctx, box)
		}
	}()

	sourcePath := filepath.Join(box.Path, "source."+box.ext)
	if err := os.WriteFile(sourcePath, []byte(source), 0o644); err != nil {
		return nil, judgeerr.Wrapf(err, judgeerr.SandboxInitFailed, "write source into box %d", boxID)
	}

	testcaseDir := filepath.Join(d.TasksRoot, taskID, "testcases")
	entries, err := os.ReadDir(testcaseDir)
	if err != nil {
		return nil, judgeerr.Wrapf(err, judgeerr.SandboxInitFailed, "read testcases for %s", taskID)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(testcaseDir, entry.Name()), filepath.Join(box.Path, entry.Name())); err != nil {
			return nil, judgeerr.Wrapf(err, judgeerr.SandboxInitFailed, "copy testcase %s into box %d", entry.Name(), boxID)
		}
	}

	provisioned = true
	return box, nil
}

// Compile substitutes {source_file}/{output} into the language's compile
// template and runs it outside the sandbox. {output} is omitted for
// interpreted languages (extension "py").
func (d *Driver) Compile(ctx context.Context, box *Box) (model.RunVerdict, error) {
	sourceFile := filepath.Join(box.Path, "source."+box.ext)
	replacements := map[string]string{"{source_file}": sourceFile}
	if box.ext != "py" {
		replacements["{output}"] = filepath.Join(box.Path, "source")
	}
	tokens := substituteTokens(box.compileTemplate, replacements)
	if len(tokens) == 0 {
		return "", judgeerr.Newf(judgeerr.ManifestInvalid, "empty compile template for box %d", box.ID)
	}

	cmd := exec.CommandContext(ctx, tokens[0], tokens[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		logger.Warn(ctx, "compile failed", zap.Uint16("box_id", box.ID), zap.String("task_id", box.taskID), zap.String("stderr", stderr.String()))
		return model.VerdictCompilationError, nil
	}
	return model.VerdictOK, nil
}

// Run executes the compiled program against testIndex's input inside the
// box, under the task's time/memory limits, and parses the resulting meta
// file into an IsolateResult.
func (d *Driver) Run(ctx context.Context, box *Box, testIndex uint64) (model.IsolateResult, error) {
	runTokens := substituteTokens(box.runTemplate, map[string]string{"{source}": "source"})
	if len(runTokens) == 0 {
		return model.IsolateResult{}, judgeerr.Newf(judgeerr.ManifestInvalid, "empty run template for box %d", box.ID)
	}

	metaPath := filepath.Join(box.Path, "meta.txt")
	timeLimit := box.timeLimitSec
	args := []string{
		"--cg", boxArg(box.ID),
		"--time=" + formatSeconds(timeLimit),
		"--wall-time=" + formatSeconds(timeLimit+5),
		"--extra-time=" + formatSeconds(timeLimit+1),
		"--cg-mem=" + strconv.FormatUint(box.memoryLimitKB, 10),
		"--meta=" + metaPath,
		"--stdin=" + strconv.FormatUint(testIndex, 10) + ".in",
		"--stdout=out.out",
		"--run", "--",
	}
	args = append(args, runTokens...)

	if _, err := runCaptured(ctx, IsolateBinary, args...); err != nil {
		// isolate exits non-zero for most non-OK verdicts too; meta.txt is
		// still authoritative and must be read regardless.
		logger.Debug(ctx, "isolate run exited non-zero", zap.Uint16("box_id", box.ID), zap.Uint64("test_index", testIndex), zap.Error(err))
	}

	result, err := parseMetaFile(metaPath)
	if err != nil {
		return model.IsolateResult{}, judgeerr.Wrapf(err, judgeerr.SandboxMetaUnreadable, "box %d test %d", box.ID, testIndex)
	}
	if result.MemoryUsageKB >= box.memoryLimitKB {
		result.Status = model.VerdictMLE
	}
	return result, nil
}

// Check invokes the task's checker against testIndex's input/output/answer.
// A checker is accepting iff its stdout is exactly "Correct\n100\n".
func (d *Driver) Check(ctx context.Context, box *Box, testIndex uint64) (bool, error) {
	checkerPath := filepath.Join(d.CheckerRoot, box.checker)
	in := filepath.Join(box.Path, strconv.FormatUint(testIndex, 10)+".in")
	out := filepath.Join(box.Path, "out.out")
	sol := filepath.Join(box.Path, strconv.FormatUint(testIndex, 10)+".sol")

	cmd := exec.CommandContext(ctx, checkerPath, in, out, sol)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return false, judgeerr.Wrapf(err, judgeerr.CheckerSpawnFailed, "spawn checker %s", box.checker)
		}
	}
	return stdout.String() == "Correct\n100\n", nil
}

// Cleanup tears down the box: isolate's own --cleanup plus a best-effort
// removal of any box-root leftovers isolate didn't clear (e.g. a crashed
// run's partial out.out). Both steps run regardless of the other's
// outcome, and their errors are combined so neither is silently dropped.
func (d *Driver) Cleanup(ctx context.Context, box *Box) {
	if box == nil {
		return
	}
	_, cleanupErr := runCaptured(ctx, IsolateBinary, "--cg", boxArg(box.ID), "--cleanup")
	leftoverErr := removeLeftovers(box.Path)

	if err := multierr.Combine(cleanupErr, leftoverErr); err != nil {
		logger.Warn(ctx, "box cleanup had errors", zap.Uint16("box_id", box.ID), zap.Error(err))
	}
}

// removeLeftovers deletes a box directory if isolate's --cleanup left it
// behind (it should not, absent a sandbox bug).
func removeLeftovers(boxPath string) error {
	if boxPath == "" {
		return nil
	}
	if _, err := os.Stat(boxPath); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(boxPath)
}

func boxArg(boxID uint16) string {
	return "--box-id=" + strconv.FormatUint(uint64(boxID), 10)
}

func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

func runCaptured(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()
	return stdout.String(), err
}

// substituteTokens replaces literal placeholders in template, then
// tokenizes on single spaces. This is a tiny substitution grammar, not
// shell parsing.
func substituteTokens(template string, replacements map[string]string) []string {
	for placeholder, value := range replacements {
		template = strings.ReplaceAll(template, placeholder, value)
	}
	if template == "" {
		return nil
	}
	return strings.Split(template, " ")
}

// parseMetaFile reads isolate's key:value meta.txt.
func parseMetaFile(path string) (model.IsolateResult, error) {
	file, err := os.Open(path)
	if err != nil {
		// A missing or unreadable meta file is returned as an error, which
		// the caller reports as a judging error. A readable file without a
		// status line is parsed below as a clean OK exit.
		return model.IsolateResult{}, err
	}
	defer file.Close()

	result := model.IsolateResult{Status: model.VerdictOK}
	oomKilled := false

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case "status":
			result.Status = mapRawStatus(value)
		case "time":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				result.TimeUsageSec = f
			}
		case "cg-mem":
			if n, err := strconv.ParseUint(value, 10, 64); err == nil {
				result.MemoryUsageKB = n
			}
		case "cg-oom-killed":
			if value == "1" {
				oomKilled = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return model.IsolateResult{}, err
	}
	if oomKilled {
		result.Status = model.VerdictMLE
	}
	return result, nil
}

func mapRawStatus(raw string) model.RunVerdict {
	switch raw {
	case "RE":
		return model.VerdictRE
	case "SG":
		return model.VerdictSG
	case "TO":
		return model.VerdictTLE
	case "XX":
		return model.VerdictXX
	default:
		if raw == "" {
			return model.VerdictOK
		}
		return model.VerdictSG
	}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
