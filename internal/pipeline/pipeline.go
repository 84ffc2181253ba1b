// Package pipeline validates a submission once and writes it to both sinks,
// falling back to the emergency store when neither accepts it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/studyflow/internal/emergency"
	"github.com/pavelanni/studyflow/internal/model"
	"github.com/pavelanni/studyflow/internal/retry"
	"github.com/pavelanni/studyflow/internal/sink"
	"github.com/pavelanni/studyflow/internal/validate"
)

// AllSinksFailedError is returned when neither sink accepted a submission.
// Key names the emergency entry holding the payload; it is empty for replays.
type AllSinksFailedError struct {
	Key       string
	Primary   error
	Secondary error
	Record    *model.SubmissionRecord
}

func (e *AllSinksFailedError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("all sinks failed: primary: %v; secondary: %v", e.Primary, e.Secondary)
	}
	return fmt.Sprintf("all sinks failed, saved as %s: primary: %v; secondary: %v", e.Key, e.Primary, e.Secondary)
}

// Options configures a Pipeline.
type Options struct {
	Policy retry.Policy
	// ParallelSinks writes both sinks concurrently instead of primary then secondary.
	ParallelSinks bool
}

// Pipeline is the single submission path shared by live finalization and operator replay.
type Pipeline struct {
	validator *validate.Validator
	primary   sink.Sink
	secondary sink.Sink
	emergency *emergency.Store
	exec      *retry.Executor
	opts      Options
	log       *slog.Logger
}

// New wires a pipeline. A zero Options.Policy uses retry.DefaultPolicy.
func New(v *validate.Validator, primary, secondary sink.Sink, em *emergency.Store, exec *retry.Executor, opts Options, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if exec == nil {
		exec = retry.NewExecutor(log)
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy
	}
	return &Pipeline{
		validator: v,
		primary:   primary,
		secondary: secondary,
		emergency: em,
		exec:      exec,
		opts:      opts,
		log:       log,
	}
}

// Submit validates sub and writes it to both sinks. It returns a *validate.ValidationError
// without touching any sink when the payload is invalid, and an *AllSinksFailedError after
// saving an emergency entry when neither sink accepted it.
func (p *Pipeline) Submit(ctx context.Context, sub model.Submission) (*model.SubmissionRecord, error) {
	out, err := p.run(ctx, sub)
	if err != nil {
		return nil, err
	}
	rec, primaryErr, secondaryErr := out.record, out.primaryErr, out.secondaryErr
	if rec.OverallSuccess {
		return rec, nil
	}

	entry, err := p.emergency.Save(sub, primaryErr, secondaryErr)
	if err != nil {
		p.log.Error("emergency backup failed, submission exists only in the checkpoint",
			"user_id", sub.UserID, "error", err)
		return rec, errors.Join(&AllSinksFailedError{Primary: primaryErr, Secondary: secondaryErr, Record: rec}, err)
	}
	return rec, &AllSinksFailedError{Key: entry.Key, Primary: primaryErr, Secondary: secondaryErr, Record: rec}
}

// Replay is Submit without the emergency fallback, for payloads that already have an entry.
func (p *Pipeline) Replay(ctx context.Context, sub model.Submission) (*model.SubmissionRecord, error) {
	out, err := p.run(ctx, sub)
	if err != nil {
		return nil, err
	}
	if !out.record.OverallSuccess {
		return out.record, &AllSinksFailedError{Primary: out.primaryErr, Secondary: out.secondaryErr, Record: out.record}
	}
	return out.record, nil
}

type outcome struct {
	record       *model.SubmissionRecord
	primaryErr   error
	secondaryErr error
}

func (p *Pipeline) run(ctx context.Context, sub model.Submission) (*outcome, error) {
	warnings, err := p.validator.Validate(sub)
	if err != nil {
		p.log.Warn("submission rejected by validation", "user_id", sub.UserID, "error", err)
		return nil, err
	}

	rec := &model.SubmissionRecord{Submission: sub, Warnings: warnings}
	var primaryErr, secondaryErr error

	if p.opts.ParallelSinks {
		var g errgroup.Group
		g.Go(func() error {
			rec.Primary, primaryErr = p.write(ctx, p.primary, sub)
			return nil
		})
		g.Go(func() error {
			rec.Secondary, secondaryErr = p.write(ctx, p.secondary, sub)
			return nil
		})
		_ = g.Wait()
	} else {
		rec.Primary, primaryErr = p.write(ctx, p.primary, sub)
		rec.Secondary, secondaryErr = p.write(ctx, p.secondary, sub)
	}

	rec.OverallSuccess = rec.Primary.Success || rec.Secondary.Success
	switch {
	case rec.Degraded():
		p.log.Warn("submission stored in one sink only",
			"user_id", sub.UserID,
			"primary_ok", rec.Primary.Success,
			"secondary_ok", rec.Secondary.Success,
			"primary_error", rec.Primary.Error,
			"secondary_error", rec.Secondary.Error,
		)
	case rec.OverallSuccess:
		p.log.Info("submission stored", "user_id", sub.UserID,
			"primary_id", rec.Primary.RecordID, "secondary_id", rec.Secondary.RecordID)
	default:
		p.log.Error("submission rejected by all sinks", "user_id", sub.UserID,
			"primary_error", rec.Primary.Error, "secondary_error", rec.Secondary.Error)
	}
	return &outcome{record: rec, primaryErr: primaryErr, secondaryErr: secondaryErr}, nil
}

func (p *Pipeline) write(ctx context.Context, s sink.Sink, sub model.Submission) (model.SinkResult, error) {
	id, res := retry.Do(ctx, p.exec, p.opts.Policy, s.Name()+".write", func(ctx context.Context) (string, error) {
		cp := sub
		return s.Write(ctx, &cp)
	})
	out := model.SinkResult{Sink: s.Name(), Success: res.Success, RecordID: id, Attempts: res.Attempts}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out, res.Err
}
