// Package worker spawns the fixed-size consumer pool that drives the
// judging pipeline: one goroutine per worker, each owning a disjoint
// sandbox box id and a unique queue consumer tag.
package worker

import (
	"context"
	"strconv"

	"fuzoj/internal/common/mq"
	"fuzoj/internal/judge/artifact"
	"fuzoj/internal/judge/cache"
	"fuzoj/internal/judge/model"
	"fuzoj/internal/judge/persistence"
	"fuzoj/internal/judge/sandbox"
	"fuzoj/internal/judge/service"
	"fuzoj/pkg/utils/logger"

	"go.uber.org/zap"
)

const queueName = "queue"

// Pool owns no shared mutable state beyond reference-counted handles to
// the queue and store client; each worker index exclusively owns its box
// id for the process lifetime.
type Pool struct {
	Queue      mq.MessageQueue
	Config     *model.AppConfig
	Driver     *sandbox.Driver
	TaskCache  *cache.TaskAssetCache
	Repository *persistence.SubmissionRepository
	Archiver   *artifact.Archiver
}

// Start spawns exactly Config.Judge.MaxWorker consumers on the shared
// queue. Box ids are assigned by worker index, giving a compile-time
// non-collision guarantee (preferred over submission_id mod N).
func (p *Pool) Start(ctx context.Context) error {
	n := p.Config.Judge.MaxWorker
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		orchestrator := &service.Orchestrator{
			BoxID:      uint16(i),
			Config:     p.Config,
			Driver:     p.Driver,
			TaskCache:  p.TaskCache,
			Repository: p.Repository,
			Archiver:   p.Archiver,
		}
		opts := &mq.SubscribeOptions{QueueName: consumerTag(i)}
		opts.SetDefaults()
		opts.PrefetchCount = 1

		if err := p.Queue.SubscribeWithOptions(ctx, queueName, orchestrator.HandleDelivery, opts); err != nil {
			return err
		}
		logger.Info(ctx, "worker started", zap.Int("worker_index", i), zap.String("consumer_tag", opts.QueueName))
	}
	return nil
}

func consumerTag(workerIndex int) string {
	return "judge-worker-" + strconv.Itoa(workerIndex)
}
