// Package execution runs generation jobs against providers: submit, poll
// until the provider finishes, then move the result into object storage.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/filmgen/backend/internal/logger"
	"github.com/filmgen/backend/internal/metrics"
	"github.com/filmgen/backend/internal/registry"
	"github.com/filmgen/backend/internal/storage"
)

// ErrPollTimeout is returned when a provider has not finished after the
// configured number of polls.
var ErrPollTimeout = errors.New("provider did not finish in time")

// Poller polls at a fixed interval up to MaxPolls times.
type Poller struct {
	Interval time.Duration
	MaxPolls int
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewPoller(interval time.Duration, maxPolls int) Poller {
	return Poller{Interval: interval, MaxPolls: maxPolls, sleep: sleepCtx}
}

// Wait returns the provider's result for taskID.
func (p Poller) Wait(ctx context.Context, prov registry.Provider, taskID string) (string, error) {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	for i := 0; i < p.MaxPolls; i++ {
		if err := sleep(ctx, p.Interval); err != nil {
			return "", err
		}
		res, err := prov.Poll(ctx, taskID)
		if err != nil {
			if errors.Is(err, registry.ErrProviderFailed) {
				return "", err
			}
			// transient; the next poll may succeed
			continue
		}
		switch res.State {
		case registry.StateComplete:
			return res.Result, nil
		case registry.StateFailed:
			return "", fmt.Errorf("%w: %s", registry.ErrProviderFailed, res.Error)
		}
	}
	return "", fmt.Errorf("%w: %s task %s after %d polls", ErrPollTimeout, prov.Name(), taskID, p.MaxPolls)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// MediaStore is implemented by *storage.Client.
type MediaStore interface {
	Enabled() bool
	Store(ctx context.Context, obj storage.Object) (string, error)
}

// Task is one unit of generation work.
type Task struct {
	JobID     uuid.UUID
	ProjectID uuid.UUID
	Kind      string
	Provider  registry.Provider
	Request   registry.Request
}

type Runner struct {
	poller Poller
	store  MediaStore
	log    *slog.Logger
}

func NewRunner(poller Poller, store MediaStore, log *slog.Logger) *Runner {
	return &Runner{poller: poller, store: store, log: logger.OrDefault(log)}
}

// Run generates the media for t and returns a durable URL for it.
func (r *Runner) Run(ctx context.Context, t Task) (string, error) {
	start := time.Now()
	sub, err := t.Provider.Submit(ctx, t.Request)
	if err != nil {
		return "", fmt.Errorf("submit to %s: %w", t.Provider.Name(), err)
	}
	result := sub.Result
	if !sub.Done() {
		if result, err = r.poller.Wait(ctx, t.Provider, sub.TaskID); err != nil {
			return "", err
		}
	}
	metrics.ProviderLatency.WithLabelValues(t.Provider.Name()).Observe(time.Since(start).Seconds())
	return r.persist(ctx, t, result)
}

func (r *Runner) persist(ctx context.Context, t Task, result string) (string, error) {
	isDataURI := strings.HasPrefix(result, "data:")
	if r.store == nil || !r.store.Enabled() {
		if isDataURI {
			return "", fmt.Errorf("inline %s result from %s: %w", t.Kind, t.Provider.Name(), storage.ErrDisabled)
		}
		r.log.Warn("storage disabled, keeping provider url", "job_id", t.JobID, "provider", t.Provider.Name())
		return result, nil
	}
	obj := storage.Object{ProjectID: t.ProjectID, Category: t.Kind}
	if isDataURI {
		obj.DataURI = result
	} else {
		obj.SourceURL = result
	}
	url, err := r.store.Store(ctx, obj)
	if err != nil {
		return "", fmt.Errorf("store %s result: %w", t.Kind, err)
	}
	return url, nil
}
