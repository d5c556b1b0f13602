package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/filmgen/backend/internal/logger"
	"github.com/filmgen/backend/internal/registry"
)

// ErrJobFinished is returned by JobService.Prepare for a job that already
// reached a terminal state.
var ErrJobFinished = errors.New("job already finished")

type GenerateMediaArgs struct {
	JobID uuid.UUID `json:"job_id"`
}

func (GenerateMediaArgs) Kind() string { return "generate_media" }

func (GenerateMediaArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 3, Queue: river.QueueDefault}
}

// GenerateBatchArgs runs several jobs through the fan-out pool.
type GenerateBatchArgs struct {
	JobIDs []uuid.UUID `json:"job_ids"`
}

func (GenerateBatchArgs) Kind() string { return "generate_batch" }

func (GenerateBatchArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1, Queue: river.QueueDefault}
}

// JobService is the contract the workers need to load and report jobs.
type JobService interface {
	Prepare(ctx context.Context, jobID uuid.UUID) (Task, error)
	MarkJobCompleted(ctx context.Context, jobID uuid.UUID, resultURL string) error
	MarkJobFailed(ctx context.Context, jobID uuid.UUID, reason string) error
}

// TaskRunner is implemented by *Runner.
type TaskRunner interface {
	Run(ctx context.Context, t Task) (string, error)
}

// processor is the job lifecycle shared by both workers.
type processor struct {
	jobs   JobService
	runner TaskRunner
	log    *slog.Logger
}

// process runs one job. final reports whether River will not retry, in
// which case a retryable failure is recorded as a job failure.
func (p *processor) process(ctx context.Context, jobID uuid.UUID, final bool) error {
	task, err := p.jobs.Prepare(ctx, jobID)
	if errors.Is(err, ErrJobFinished) {
		p.log.Info("job already finished, skipping", "job_id", jobID)
		return nil
	}
	if err != nil {
		if final {
			return p.failJob(ctx, jobID, fmt.Sprintf("prepare: %v", err))
		}
		return fmt.Errorf("prepare job %s: %w", jobID, err)
	}

	url, err := p.runner.Run(ctx, task)
	if err != nil {
		if final || errors.Is(err, registry.ErrProviderFailed) || errors.Is(err, ErrPollTimeout) {
			return p.failJob(ctx, jobID, err.Error())
		}
		p.log.Warn("generation attempt failed, will retry", "job_id", jobID, "error", err)
		return err
	}

	if err := p.jobs.MarkJobCompleted(context.WithoutCancel(ctx), jobID, url); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return nil
}

// failJob settles the job even when ctx has already ended.
func (p *processor) failJob(ctx context.Context, jobID uuid.UUID, reason string) error {
	markErr := p.jobs.MarkJobFailed(context.WithoutCancel(ctx), jobID, reason)
	if markErr != nil {
		return fmt.Errorf("generation failed (%s) AND failed to mark job as failed: %w", reason, markErr)
	}
	return nil
}

type GenerateMediaWorker struct {
	river.WorkerDefaults[GenerateMediaArgs]
	p processor
}

func NewGenerateMediaWorker(js JobService, runner TaskRunner, log *slog.Logger) *GenerateMediaWorker {
	return &GenerateMediaWorker{p: processor{jobs: js, runner: runner, log: logger.OrDefault(log)}}
}

func (w *GenerateMediaWorker) Work(ctx context.Context, job *river.Job[GenerateMediaArgs]) error {
	final := job.JobRow != nil && job.Attempt >= job.MaxAttempts
	return w.p.process(ctx, job.Args.JobID, final)
}

type GenerateBatchWorker struct {
	river.WorkerDefaults[GenerateBatchArgs]
	p   processor
	fan *FanOut
}

func NewGenerateBatchWorker(js JobService, runner TaskRunner, fan *FanOut, log *slog.Logger) *GenerateBatchWorker {
	return &GenerateBatchWorker{p: processor{jobs: js, runner: runner, log: logger.OrDefault(log)}, fan: fan}
}

// Work never asks River to retry the batch; every item is settled as
// completed or failed on its own, including items a cancelled batch never
// started.
func (w *GenerateBatchWorker) Work(ctx context.Context, job *river.Job[GenerateBatchArgs]) error {
	ids := job.Args.JobIDs
	errs, runErr := w.fan.Run(ctx, len(ids), func(ctx context.Context, i int) error {
		return w.p.process(ctx, ids[i], true)
	})
	if errs == nil {
		return runErr
	}
	var failed, skipped int
	for i, e := range errs {
		switch {
		case errors.Is(e, ErrNotStarted):
			skipped++
			if err := w.p.failJob(ctx, ids[i], "batch stopped before the job started"); err != nil {
				w.p.log.Error("settle skipped batch item", "job_id", ids[i], "error", err)
			}
		case e != nil:
			failed++
			w.p.log.Error("batch item failed", "job_id", ids[i], "error", e)
		}
	}
	w.p.log.Info("batch finished", "jobs", len(ids), "errors", failed, "skipped", skipped)
	return runErr
}
