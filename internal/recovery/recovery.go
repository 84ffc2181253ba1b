// Package recovery is the operator tool that replays or discards emergency backups.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/studyflow/internal/emergency"
	"github.com/pavelanni/studyflow/internal/model"
)

// Replay outcomes reported in RecoverResult.Status.
const (
	StatusRecovered = "recovered"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Replayer resubmits a payload without creating new emergency entries.
type Replayer interface {
	Replay(ctx context.Context, sub model.Submission) (*model.SubmissionRecord, error)
}

// EntrySummary describes one emergency entry without its payload.
type EntrySummary struct {
	Key             string     `json:"key"`
	UserID          string     `json:"user_id"`
	Condition       string     `json:"condition"`
	CreatedAt       time.Time  `json:"created_at"`
	PrimaryError    string     `json:"primary_error"`
	SecondaryError  string     `json:"secondary_error"`
	Recovered       bool       `json:"recovered"`
	RecoveredAt     *time.Time `json:"recovered_at,omitempty"`
	ReplayAttempts  int        `json:"replay_attempts"`
	LastReplayError string     `json:"last_replay_error,omitempty"`
}

// ScanSummary is the result of Scan.
type ScanSummary struct {
	Total     int            `json:"total"`
	Pending   int            `json:"pending"`
	Recovered int            `json:"recovered"`
	Entries   []EntrySummary `json:"entries"`
}

// RecoverResult is the outcome of replaying one entry.
type RecoverResult struct {
	Key    string                  `json:"key"`
	Status string                  `json:"status"`
	Error  string                  `json:"error,omitempty"`
	Record *model.SubmissionRecord `json:"record,omitempty"`
	Entry  EntrySummary            `json:"entry"`
}

// RecoverAllSummary tallies a RecoverAll run.
type RecoverAllSummary struct {
	Total     int             `json:"total"`
	Recovered int             `json:"recovered"`
	Failed    int             `json:"failed"`
	Skipped   int             `json:"skipped"`
	Results   []RecoverResult `json:"results"`
}

// ClearSummary lists the entries removed by Clear or ClearAll.
type ClearSummary struct {
	Deleted int      `json:"deleted"`
	Keys    []string `json:"keys,omitempty"`
}

// Tool drives emergency entries back through the submission pipeline.
type Tool struct {
	em       *emergency.Store
	replayer Replayer
	log      *slog.Logger
}

// New returns a recovery tool. A nil logger uses slog.Default().
func New(em *emergency.Store, replayer Replayer, log *slog.Logger) *Tool {
	if log == nil {
		log = slog.Default()
	}
	return &Tool{em: em, replayer: replayer, log: log}
}

// Scan lists every emergency entry, oldest first.
func (t *Tool) Scan() (*ScanSummary, error) {
	entries, err := t.em.List()
	if err != nil {
		return nil, err
	}
	out := &ScanSummary{Total: len(entries), Entries: make([]EntrySummary, 0, len(entries))}
	for i := range entries {
		if entries[i].Recovered {
			out.Recovered++
		} else {
			out.Pending++
		}
		out.Entries = append(out.Entries, summarize(&entries[i]))
	}
	return out, nil
}

// RecoverOne replays the entry under key with the recovered marker set.
// Entries already recovered are skipped. The returned error reports a problem with
// the emergency store itself; a failed replay is reported in the result.
func (t *Tool) RecoverOne(ctx context.Context, key string) (*RecoverResult, error) {
	entry, err := t.em.Get(key)
	if err != nil {
		return nil, err
	}
	if entry.Recovered {
		t.log.Info("emergency entry already recovered, skipping", "key", key)
		return &RecoverResult{Key: key, Status: StatusSkipped, Entry: summarize(entry)}, nil
	}

	payload := entry.Payload
	payload.Metadata.Recovered = true
	rec, replayErr := t.replayer.Replay(ctx, payload)

	updated, err := t.em.RecordReplay(key, replayErr)
	if err != nil {
		return nil, fmt.Errorf("record replay of %s: %w", key, err)
	}
	res := &RecoverResult{Key: key, Record: rec, Entry: summarize(updated)}
	if replayErr != nil {
		res.Status = StatusFailed
		res.Error = replayErr.Error()
		t.log.Warn("emergency replay failed", "key", key, "attempts", updated.ReplayAttempts, "error", replayErr)
		return res, nil
	}
	res.Status = StatusRecovered
	t.log.Info("emergency entry recovered", "key", key, "user_id", payload.UserID, "degraded", rec.Degraded())
	return res, nil
}

// RecoverAll calls RecoverOne for every entry. It stops early only when ctx is done.
func (t *Tool) RecoverAll(ctx context.Context) (*RecoverAllSummary, error) {
	entries, err := t.em.List()
	if err != nil {
		return nil, err
	}
	out := &RecoverAllSummary{Total: len(entries)}
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := t.RecoverOne(ctx, e.Key)
		if err != nil {
			errs = append(errs, err)
			out.Failed++
			out.Results = append(out.Results, RecoverResult{Key: e.Key, Status: StatusFailed, Error: err.Error()})
			continue
		}
		switch res.Status {
		case StatusRecovered:
			out.Recovered++
		case StatusSkipped:
			out.Skipped++
		default:
			out.Failed++
		}
		out.Results = append(out.Results, *res)
	}
	t.log.Info("recover all finished", "total", out.Total, "recovered", out.Recovered,
		"failed", out.Failed, "skipped", out.Skipped)
	return out, errors.Join(errs...)
}

// Clear deletes one entry without replaying it.
func (t *Tool) Clear(key string) (*ClearSummary, error) {
	if err := t.em.Delete(key); err != nil {
		return nil, err
	}
	return &ClearSummary{Deleted: 1, Keys: []string{key}}, nil
}

// ClearAll deletes every entry without replaying any.
func (t *Tool) ClearAll() (*ClearSummary, error) {
	n, err := t.em.DeleteAll()
	return &ClearSummary{Deleted: n}, err
}

func summarize(e *model.EmergencyBackupEntry) EntrySummary {
	return EntrySummary{
		Key:             e.Key,
		UserID:          e.Payload.UserID,
		Condition:       string(e.Payload.Condition),
		CreatedAt:       e.CreatedAt,
		PrimaryError:    e.PrimaryError,
		SecondaryError:  e.SecondaryError,
		Recovered:       e.Recovered,
		RecoveredAt:     e.RecoveredAt,
		ReplayAttempts:  e.ReplayAttempts,
		LastReplayError: e.LastReplayError,
	}
}
