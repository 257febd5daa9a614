// Package assigner implements the task assignment state machine: advance,
// take-back, annotation commit, and administrative drawback. All methods
// perform one load-decide-commit cycle against the pool store and ledger;
// the broker daemon calls them while holding the domain mutex, which makes
// each cycle a serialized transaction.
package assigner

import (
	"errors"
	"fmt"

	"github.com/annolab/annobroker/internal/ledger"
	"github.com/annolab/annobroker/internal/model"
	"github.com/annolab/annobroker/internal/rounds"
	"github.com/annolab/annobroker/internal/store"
)

// ErrConflict marks a take-back whose expected last-history entry does not
// match observed state. Surfaced to the caller, never retried here.
var ErrConflict = errors.New("conflicting assignment state")

// ErrUploadMismatch marks an uploaded annotation referencing a video not
// assigned to the uploading user. Nothing is committed.
var ErrUploadMismatch = errors.New("upload does not match an assignment")

// ErrNotFound marks a drawback target that is not in the assigned pool.
var ErrNotFound = errors.New("video not in assigned pool")

type Assigner struct {
	store  *store.Store
	ledger *ledger.Ledger
}

func New(st *store.Store, ld *ledger.Ledger) *Assigner {
	return &Assigner{store: st, ledger: ld}
}

// Advance hands the user the next available video for the round. Round 0
// serves fresh tasks in pool insertion order; rounds 1-3 serve the
// escalation view. An empty view is Exhausted for that round only, not an
// error and not a statement about other users or rounds.
func (a *Assigner) Advance(user string, domain model.Domain, round int) (*model.AssignResult, error) {
	if err := validateRequest(user, round); err != nil {
		return nil, err
	}

	doc, err := a.store.Load(domain)
	if err != nil {
		return nil, err
	}

	available, err := rounds.Available(doc, a.ledger, user, round)
	if err != nil {
		return nil, err
	}
	if len(available) == 0 {
		counts, err := rounds.Counts(doc, a.ledger, user)
		if err != nil {
			return nil, err
		}
		return &model.AssignResult{State: model.StateExhausted, Round: round, Counts: counts}, nil
	}

	task := available[0]
	doc.RemoveUnassigned(task.VideoPath)
	doc.Assigned = append(doc.Assigned, model.Assignment{Task: task, User: user})

	if err := a.store.Commit(domain, doc); err != nil {
		return nil, fmt.Errorf("commit assignment of %s: %w", task.VideoPath, err)
	}

	historyNumber, _, err := a.ledger.Append(user, domain, round, task.VideoPath)
	if err != nil {
		// Roll the pool move back so the video is not stranded in the
		// assigned pool without a ledger entry.
		doc.RemoveAssigned(task.VideoPath)
		doc.Unassigned = append([]model.Task{task}, doc.Unassigned...)
		if rbErr := a.store.Commit(domain, doc); rbErr != nil {
			return nil, fmt.Errorf("ledger append failed (%v) and rollback failed: %w", err, rbErr)
		}
		return nil, fmt.Errorf("append history for %s: %w", task.VideoPath, err)
	}

	counts, err := rounds.Counts(doc, a.ledger, user)
	if err != nil {
		return nil, err
	}

	return &model.AssignResult{
		State:         model.StateCommitted,
		Task:          &task,
		Round:         round,
		HistoryNumber: historyNumber,
		Counts:        counts,
	}, nil
}

// Takeback reverses the user's most recent assignment for the round. The
// caller supplies the video it currently holds; a mismatch against the
// ledger tail or the assigned pool is a Conflict (some other process moved
// this user forward) and nothing is mutated. On success the video returns
// to the head of the unassigned pool so the next advance re-offers it, and
// the result carries the previous ledger entry, if the user still holds it,
// for the client to display.
func (a *Assigner) Takeback(user string, domain model.Domain, round int, lastVideoPath string) (*model.AssignResult, error) {
	if err := validateRequest(user, round); err != nil {
		return nil, err
	}
	if lastVideoPath == "" {
		return nil, fmt.Errorf("take-back requires last_video_path")
	}

	tail, ok, err := a.ledger.Last(user, domain, round)
	if err != nil {
		return nil, err
	}
	if !ok || tail != lastVideoPath {
		return nil, fmt.Errorf("%w: ledger tail is %q, take-back presented %q", ErrConflict, tail, lastVideoPath)
	}

	doc, err := a.store.Load(domain)
	if err != nil {
		return nil, err
	}
	asg := doc.FindAssigned(lastVideoPath)
	if asg == nil || asg.User != user {
		return nil, fmt.Errorf("%w: %q is not assigned to %s", ErrConflict, lastVideoPath, user)
	}

	removed := doc.RemoveAssigned(lastVideoPath)
	doc.Unassigned = append([]model.Task{removed.Task}, doc.Unassigned...)

	if err := a.store.Commit(domain, doc); err != nil {
		return nil, fmt.Errorf("commit take-back of %s: %w", lastVideoPath, err)
	}
	if err := a.ledger.RemoveLast(user, domain, round); err != nil {
		return nil, fmt.Errorf("remove ledger tail for %s: %w", lastVideoPath, err)
	}

	counts, err := rounds.Counts(doc, a.ledger, user)
	if err != nil {
		return nil, err
	}

	result := &model.AssignResult{State: model.StateReverted, Round: round, Counts: counts}

	// Re-surface the previous video, which the user still holds.
	history, err := a.ledger.History(user, domain, round)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		if prev := doc.FindAssigned(history[len(history)-1]); prev != nil && prev.User == user {
			t := prev.Task
			result.Task = &t
			result.HistoryNumber = len(history)

			// The user may have already marked this video terminally
			// complete; the client needs that state back.
			finished, err := a.ledger.Finished(user, domain)
			if err != nil {
				return nil, err
			}
			result.IsFinished = finished[t.VideoPath]
		}
	}
	return result, nil
}

// Commit records an uploaded annotation: the video must be assigned to the
// uploading user and the declared save path must match the task's output
// ref. The history append is duplicate-guarded, so retransmitting the same
// bundle leaves the ledger unchanged.
func (a *Assigner) Commit(p model.CommitParams) (*model.CommitResult, error) {
	if err := validateRequest(p.User, p.Round); err != nil {
		return nil, err
	}
	if p.VideoPath == "" {
		return nil, fmt.Errorf("commit requires video_path")
	}

	doc, err := a.store.Load(p.Domain)
	if err != nil {
		return nil, err
	}
	asg := doc.FindAssigned(p.VideoPath)
	if asg == nil || asg.User != p.User {
		return nil, fmt.Errorf("%w: %q is not assigned to %s", ErrUploadMismatch, p.VideoPath, p.User)
	}
	if p.SavePath != "" && p.SavePath != asg.OutputRef {
		return nil, fmt.Errorf("%w: save_path %q does not match output ref %q",
			ErrUploadMismatch, p.SavePath, asg.OutputRef)
	}

	historyNumber, dup, err := a.ledger.Append(p.User, p.Domain, p.Round, p.VideoPath)
	if err != nil {
		return nil, err
	}
	if p.IsFinished {
		if _, err := a.ledger.MarkFinished(p.User, p.Domain, p.VideoPath); err != nil {
			return nil, err
		}
	}

	return &model.CommitResult{
		VideoPath:     p.VideoPath,
		HistoryNumber: historyNumber,
		Duplicate:     dup,
	}, nil
}

// Drawback is the administrative override: it returns a video to the
// unassigned pool regardless of who holds it, without touching any ledger.
// A video not currently assigned is NotFound.
func (a *Assigner) Drawback(domain model.Domain, videoPath string) (*model.DrawbackResult, error) {
	if videoPath == "" {
		return nil, fmt.Errorf("drawback requires video_path")
	}

	doc, err := a.store.Load(domain)
	if err != nil {
		return nil, err
	}
	removed := doc.RemoveAssigned(videoPath)
	if removed == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, videoPath)
	}
	doc.Unassigned = append(doc.Unassigned, removed.Task)

	if err := a.store.Commit(domain, doc); err != nil {
		return nil, fmt.Errorf("commit drawback of %s: %w", videoPath, err)
	}
	return &model.DrawbackResult{VideoPath: videoPath, User: removed.User}, nil
}

// Progress reports the user's per-round counters and finished total.
func (a *Assigner) Progress(user string, domain model.Domain) (*model.ProgressResult, error) {
	if user == "" {
		return nil, fmt.Errorf("progress requires username")
	}

	doc, err := a.store.Load(domain)
	if err != nil {
		return nil, err
	}
	counts, err := rounds.Counts(doc, a.ledger, user)
	if err != nil {
		return nil, err
	}
	finished, err := a.ledger.Finished(user, domain)
	if err != nil {
		return nil, err
	}

	return &model.ProgressResult{
		User:     user,
		Domain:   domain,
		Counts:   counts,
		Finished: len(finished),
	}, nil
}

func validateRequest(user string, round int) error {
	if user == "" {
		return fmt.Errorf("username is required")
	}
	if !model.ValidRound(round) {
		return fmt.Errorf("round %d out of range 0-%d", round, model.MaxRound)
	}
	return nil
}
