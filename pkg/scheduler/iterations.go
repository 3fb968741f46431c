package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/haasonsaas/steward/pkg/auth"
	"github.com/haasonsaas/steward/pkg/credential"
	"github.com/haasonsaas/steward/pkg/events"
	"github.com/haasonsaas/steward/pkg/tasks"
	"github.com/haasonsaas/steward/pkg/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-version"
)

// withAuth runs call with a valid credential. A 401 triggers exactly one
// refresh and one retry; a 404 means the platform no longer knows the agent,
// so the credential is invalidated and ErrNotEnrolled returned.
func (s *Scheduler) withAuth(ctx context.Context, call func(credential.Credential) error) error {
	cred, err := s.creds.EnsureValid(ctx)
	if err != nil {
		return err
	}
	err = call(cred)
	if transport.IsUnauthorized(err) {
		s.logger.Info().Msg("Platform rejected credential; refreshing once")
		cred, rerr := s.creds.Refresh(ctx)
		if rerr != nil {
			return fmt.Errorf("refresh after 401: %w", rerr)
		}
		err = call(cred)
	}
	if transport.IsNotFound(err) {
		if ierr := s.creds.Invalidate(ctx, "platform reported agent unknown"); ierr != nil {
			s.logger.Error().Err(ierr).Msg("Failed to invalidate credential")
		}
		return fmt.Errorf("%w: %w", auth.ErrNotEnrolled, err)
	}
	return err
}

// sortTasks orders by priority, highest first, then oldest first.
func sortTasks(in []tasks.Task) []tasks.Task {
	out := append([]tasks.Task(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Scheduler) checkIn(ctx, taskCtx context.Context) error {
	var snapshot any
	if s.snapshot != nil {
		snap, err := s.snapshot(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("System snapshot incomplete")
		}
		snapshot = snap
	}

	var resp *transport.CheckInResponse
	err := s.withAuth(ctx, func(cred credential.Credential) error {
		r, err := s.platform.CheckIn(ctx, cred, snapshot)
		resp = r
		return err
	})
	if err != nil {
		return fmt.Errorf("check-in: %w", err)
	}
	s.checkMinVersion(resp.MinVersion)

	queue := sortTasks(resp.Tasks)
	if len(queue) > 0 {
		s.logger.Info().Int("tasks", len(queue)).Msg("Received tasks")
	}

	var result *multierror.Error
	for i, task := range queue {
		// Stop picking up tasks once shutdown starts; the one in flight
		// finishes under taskCtx.
		if ctx.Err() != nil {
			break
		}
		s.pending.Store(int32(len(queue) - i))
		if err := s.runTask(taskCtx, task); err != nil {
			result = multierror.Append(result, err)
			if errors.Is(err, auth.ErrNotEnrolled) {
				break
			}
		}
	}
	s.pending.Store(0)

	if s.journal != nil && s.cfg.JournalKeep > 0 && len(queue) > 0 {
		if _, err := s.journal.Prune(taskCtx, s.cfg.JournalKeep); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to prune journal")
		}
	}
	return result.ErrorOrNil()
}

// runTask executes task and reports its result at most once. The returned
// error is a reporting failure; task failures are reported, not returned.
func (s *Scheduler) runTask(ctx context.Context, task tasks.Task) error {
	logger := s.logger.With().Str("task_id", task.ID).Str("kind", string(task.Kind)).Logger()

	if s.journal != nil {
		fresh, err := s.journal.Begin(ctx, task)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Journal unavailable; running task unrecorded")
		case !fresh:
			logger.Info().Msg("Skipping task already seen")
			return nil
		}
	}

	res := s.executor.Execute(ctx, task)
	if s.journal != nil {
		if err := s.journal.Finish(ctx, task.ID, res); err != nil {
			logger.Warn().Err(err).Msg("Failed to journal task result")
		}
	}

	reportErr := s.withAuth(ctx, func(cred credential.Credential) error {
		return s.platform.ReportResult(ctx, cred, task.ID, res)
	})
	if s.journal != nil {
		if err := s.journal.MarkReported(ctx, task.ID, reportErr); err != nil {
			logger.Warn().Err(err).Msg("Failed to journal report outcome")
		}
	}

	ev := events.Event{Kind: events.TaskCompleted, Time: s.now(), TaskID: task.ID, Data: map[string]any{
		"kind":        string(task.Kind),
		"duration_ms": res.DurationMs,
		"reported":    reportErr == nil,
	}}
	if !res.Success {
		ev.Kind = events.TaskFailed
		ev.Error = res.Error
		ev.Data["error_kind"] = string(res.ErrorKind)
	}
	s.publisher.Publish(ev)

	if res.Success {
		logger.Info().Int64("duration_ms", res.DurationMs).Msg("Task completed")
	} else {
		logger.Warn().Str("error_kind", string(res.ErrorKind)).Int64("duration_ms", res.DurationMs).Msg("Task failed")
	}

	if reportErr != nil {
		logger.Error().Err(reportErr).Msg("Failed to report task result; it will not be retried")
		return fmt.Errorf("report %s: %w", task.ID, reportErr)
	}
	return nil
}

func (s *Scheduler) checkMinVersion(min string) {
	if min == "" || s.cfg.AgentVersion == "" {
		return
	}
	s.mu.Lock()
	seen := s.minVersion == min
	s.minVersion = min
	s.mu.Unlock()
	if seen {
		return
	}
	want, err := version.NewVersion(min)
	if err != nil {
		s.logger.Warn().Str("min_version", min).Msg("Platform sent an unparseable minimum version")
		return
	}
	have, err := version.NewVersion(s.cfg.AgentVersion)
	if err != nil {
		return
	}
	if have.LessThan(want) {
		s.logger.Warn().Str("agent_version", have.String()).Str("min_version", want.String()).Msg("Agent is older than the platform's minimum supported version")
	}
}

func (s *Scheduler) sendTelemetry(ctx, _ context.Context) error {
	if s.collector == nil {
		return nil
	}
	// Telemetry without a credential is pointless; let the pause logic see it.
	if _, err := s.creds.EnsureValid(ctx); err != nil {
		return err
	}

	payload, err := s.collector.Collect(ctx)
	if err == nil {
		err = s.withAuth(ctx, func(cred credential.Credential) error {
			return s.platform.SubmitTelemetry(ctx, cred, payload)
		})
	}
	if err != nil {
		if !errors.Is(err, auth.ErrNotEnrolled) {
			s.publisher.Publish(events.Event{Kind: events.TelemetryFailed, Time: s.now(), Loop: LoopTelemetry, Error: err.Error()})
		}
		return fmt.Errorf("telemetry: %w", err)
	}
	s.publisher.Publish(events.Event{Kind: events.TelemetrySent, Time: s.now(), Loop: LoopTelemetry})
	return nil
}

func (s *Scheduler) checkHealth(ctx, _ context.Context) error {
	if _, err := s.creds.EnsureValid(ctx); err != nil {
		return err
	}
	if s.health == nil {
		return nil
	}
	if err := s.health.Check(ctx); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	return nil
}
