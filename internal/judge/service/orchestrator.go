// Package service wires the sandbox driver, scoring engine, task asset
// cache, and persistence adapter together behind one consumer loop per
// worker.
package service

import (
	"context"
	"encoding/json"

	"fuzoj/internal/common/mq"
	"fuzoj/internal/judge/artifact"
	"fuzoj/internal/judge/cache"
	"fuzoj/internal/judge/model"
	"fuzoj/internal/judge/persistence"
	"fuzoj/internal/judge/sandbox"
	"fuzoj/internal/judge/scoring"
	judgeerr "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/logger"

	"go.uber.org/zap"
)

// Orchestrator is one worker's view of the judging pipeline: decode,
// dequeue-row check, sandbox init/compile/run/check via the scoring
// engine, verdict write. One Orchestrator is exclusively owned by one
// worker goroutine from dequeue to ack.
type Orchestrator struct {
	BoxID      uint16
	Config     *model.AppConfig
	Driver     *sandbox.Driver
	TaskCache  *cache.TaskAssetCache
	Repository *persistence.SubmissionRepository
	Archiver   *artifact.Archiver
}

// HandleDelivery implements the Queue Consumer contract (spec §4.3). It
// always returns nil — every terminal path is handled internally (a bad
// payload, a missing row, or a failed row fetch or status update is logged
// and dropped; a judged submission gets a verdict row update), and the
// caller acks unconditionally afterward.
func (o *Orchestrator) HandleDelivery(ctx context.Context, msg *mq.Message) error {
	var payload model.SubmissionMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		logger.Warn(ctx, "malformed submission message", zap.Error(err))
		return nil
	}
	if err := payload.Validate(); err != nil {
		logger.Warn(ctx, "invalid submission message", zap.Error(err))
		return nil
	}

	log := logger.WithFields(ctx, zap.Int64("submission_id", payload.SubmissionID), zap.String("task_id", payload.TaskID), zap.Uint16("box_id", o.BoxID))

	_, found, err := o.Repository.FetchSubmission(ctx, payload.SubmissionID)
	if err != nil {
		log.Error("fetch submission failed", zap.Error(err))
		return nil
	}
	if !found {
		log.Warn("submission not found, dropping")
		return nil
	}

	if err := o.Repository.SetStatus(ctx, payload.SubmissionID, model.StatusJudging); err != nil {
		log.Error("set status Judging failed", zap.Error(err))
		return nil
	}

	judge, err := o.judge(ctx, &payload)
	if err != nil {
		log.Error("judge error", zap.Error(err))
		judge = &model.JudgeResult{Status: model.StatusJudgeError}
	}

	if err := o.Repository.SetVerdict(ctx, payload.SubmissionID, judge); err != nil {
		log.Error("set verdict failed", zap.Error(err))
	}
	return nil
}

// judge runs the full pipeline for one submission: materialize task assets,
// load the manifest, preflight testcases, init/compile the box, score, and
// clean up. Cleanup always runs, even on error paths.
func (o *Orchestrator) judge(ctx context.Context, payload *model.SubmissionMessage) (*model.JudgeResult, error) {
	profile, err := o.Config.LanguageProfileFor(payload.Language)
	if err != nil {
		return nil, err
	}

	if o.TaskCache != nil {
		if err := o.TaskCache.Ensure(ctx, payload.TaskID); err != nil {
			return nil, judgeerr.Wrap(err, judgeerr.TaskCacheFailed)
		}
	}

	manifest, err := model.LoadTaskManifest(o.Driver.TasksRoot, payload.TaskID)
	if err != nil {
		return nil, err
	}

	engine := scoring.NewEngine(&driverRunner{driver: o.Driver}, o.Driver.TasksRoot)
	engine.Archiver = o.Archiver
	engine.SubmissionID = payload.SubmissionID
	if !engine.PreflightTestcases(payload.TaskID, manifest) {
		return &model.JudgeResult{Status: model.StatusTestcasesError}, nil
	}

	box, err := o.Driver.Init(ctx, o.BoxID, payload.TaskID, manifest, profile, payload.Code)
	if err != nil {
		return nil, err
	}
	defer o.Driver.Cleanup(ctx, box)

	verdict, err := o.Driver.Compile(ctx, box)
	if err != nil {
		return nil, err
	}
	if verdict == model.VerdictCompilationError {
		return &model.JudgeResult{Status: model.StatusCompilationError}, nil
	}

	return engine.Score(ctx, box, manifest)
}

// driverRunner adapts *sandbox.Driver to the scoring.Runner interface.
type driverRunner struct {
	driver *sandbox.Driver
}

func (d *driverRunner) Run(ctx context.Context, box *sandbox.Box, testIndex uint64) (model.IsolateResult, error) {
	return d.driver.Run(ctx, box, testIndex)
}

func (d *driverRunner) Check(ctx context.Context, box *sandbox.Box, testIndex uint64) (bool, error) {
	return d.driver.Check(ctx, box, testIndex)
}
