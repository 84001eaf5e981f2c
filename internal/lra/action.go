// Package lra models a single long running action: its state machine, its
// enlisted participants and the durable record it is persisted as.
//
// An Action is not safe for concurrent mutation. Callers serialize
// mutations per action id; only Data and the read accessors may be called
// concurrently with a mutation.
package lra

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"pkt.systems/lra/internal/clock"
	"pkt.systems/lra/internal/uuidv7"
)

// Errors returned by Action operations.
var (
	ErrNotActive     = errors.New("lra: action is not active")
	ErrInvalidBase   = errors.New("lra: invalid coordinator base url")
	ErrNoParticipant = errors.New("lra: participant not enlisted")
)

// RunState is the state the durable begin reached.
type RunState int

// Begin outcomes.
const (
	RunStateAborted RunState = iota
	RunStateRunning
)

func (s RunState) String() string {
	if s == RunStateRunning {
		return "running"
	}
	return "aborted"
}

// Log is the durable record store an Action writes through.
type Log interface {
	// Save writes rec. An empty etag creates the record and fails if it
	// exists. The new etag is returned.
	Save(ctx context.Context, rec *Record, etag string) (string, error)
	// Delete removes the live record. A missing record is not an error.
	Delete(ctx context.Context, uid string) error
}

// Notifier delivers completion, compensation and after callbacks.
type Notifier interface {
	// Settle asks p to complete or compensate and returns the status it
	// reported. An error means the participant could not be reached and the
	// call should be repeated later.
	Settle(ctx context.Context, a Data, p *Participant, compensate bool) (ParticipantStatus, error)
	// AfterLRA tells a listener the final status of the action.
	AfterLRA(ctx context.Context, a Data, p *Participant) error
}

// Deps are the collaborators shared by every action of a coordinator.
type Deps struct {
	Log      Log
	Notifier Notifier
	Clock    clock.Clock
	// MaxAttempts bounds how many times a participant is asked to settle
	// before it is recorded as failed. Zero means unbounded.
	MaxAttempts int
}

func (d Deps) clock() clock.Clock {
	if d.Clock == nil {
		return clock.Real{}
	}
	return d.Clock
}

// Action is a long running action.
type Action struct {
	deps Deps

	mu           sync.RWMutex
	id           string
	uid          string
	clientID     string
	parentID     string
	status       Status
	startedAt    time.Time
	finishedAt   time.Time
	deadline     time.Time
	participants []*Participant
	recovering   bool
	// released is set once the parent has ended a nested action.
	released     bool
	etag         string
}

// New allocates an action under baseURL, the coordinator namespace that
// forms its id together with a fresh uid.
func New(deps Deps, baseURL, parentID, clientID string) (*Action, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(base)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBase, baseURL)
	}
	uid := uuidv7.NewString()
	return &Action{
		deps:     deps,
		id:       base + "/" + uid,
		uid:      uid,
		clientID: clientID,
		parentID: parentID,
		status:   StatusActive,
	}, nil
}

// UID returns the final path segment of an action id. A trailing slash is
// ignored so "http://h/lra/0001/" and "http://h/lra/0001" share uid "0001".
func UID(id string) string {
	path := id
	if u, err := url.Parse(id); err == nil && u.Path != "" {
		path = u.Path
	}
	path = strings.TrimRight(path, "/")
	return path[strings.LastIndexByte(path, '/')+1:]
}

// ID returns the action id.
func (a *Action) ID() string { return a.id }

// UID returns the action uid.
func (a *Action) UID() string { return a.uid }

// ClientID returns the client label.
func (a *Action) ClientID() string { return a.clientID }

// ParentID returns the enclosing action id, empty when top level.
func (a *Action) ParentID() string { return a.parentID }

// IsTopLevel reports whether the action has no parent.
func (a *Action) IsTopLevel() bool { return a.parentID == "" }

// Status returns the current status.
func (a *Action) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// IsRecovering reports whether the action was rebuilt from the log or still
// has participants the coordinator must retry.
func (a *Action) IsRecovering() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.recovering
}

// IsFailed reports a terminal failure.
func (a *Action) IsFailed() bool {
	return a.Status().Failed()
}

// Deadline returns the time limit deadline, zero when unbounded.
func (a *Action) Deadline() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.deadline
}

// Expired reports whether an active action has passed its deadline.
func (a *Action) Expired(now time.Time) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status == StatusActive && !a.deadline.IsZero() && !now.Before(a.deadline)
}

// HasPendingActions reports whether any participant still owes an outcome.
func (a *Action) HasPendingActions() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, p := range a.participants {
		if p.pending() {
			return true
		}
	}
	return false
}

// Participants returns copies of the enlisted participants.
func (a *Action) Participants() []*Participant {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Participant, 0, len(a.participants))
	for _, p := range a.participants {
		out = append(out, p.clone())
	}
	return out
}

// Begin writes the initial record and starts the time limit. The returned
// context carries the action as its ambient action.
func (a *Action) Begin(ctx context.Context, timeLimit time.Duration) (context.Context, RunState, error) {
	a.mu.Lock()
	a.startedAt = a.deps.clock().Now()
	a.deadline = clock.Deadline(a.deps.clock(), timeLimit)
	rec := a.recordLocked()
	a.mu.Unlock()
	etag, err := a.deps.Log.Save(ctx, rec, "")
	if err != nil {
		return ctx, RunStateAborted, fmt.Errorf("lra: begin %s: %w", a.id, err)
	}
	a.mu.Lock()
	a.etag = etag
	a.mu.Unlock()
	return WithAction(ctx, a), RunStateRunning, nil
}

// Abort removes a half-started action's record.
func (a *Action) Abort(ctx context.Context) error {
	a.mu.Lock()
	a.status = StatusCancelled
	a.finishedAt = a.deps.clock().Now()
	a.etag = ""
	a.mu.Unlock()
	return a.deps.Log.Delete(ctx, a.uid)
}

// Enlist adds a participant. While the action is active any participant may
// join; once ending only after-listeners may join, and only while the action
// is recovering. A participant already enlisted with the same endpoint is
// returned unchanged.
func (a *Action) Enlist(ctx context.Context, req EnlistRequest) (*Participant, error) {
	now := a.deps.clock().Now()
	p, err := newParticipant(a.uid, req, now)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	if a.status != StatusActive && !(a.recovering && p.Listener) {
		status := a.status
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, a.id, status)
	}
	for _, existing := range a.participants {
		if existing.Endpoint == p.Endpoint {
			cp := existing.clone()
			a.mu.Unlock()
			return cp, nil
		}
	}
	a.participants = append(a.participants, p)
	a.mu.Unlock()
	if err := a.persist(ctx); err != nil {
		a.mu.Lock()
		a.removeLocked(p.ID)
		a.mu.Unlock()
		return nil, err
	}
	return p.clone(), nil
}

// Forget removes the first participant identified by endpoint and returns a
// copy of it, or nil when nothing matched.
func (a *Action) Forget(ctx context.Context, endpoint string) (*Participant, error) {
	a.mu.Lock()
	var removed *Participant
	for _, p := range a.participants {
		if p.Matches(endpoint) {
			removed = p
			break
		}
	}
	if removed == nil {
		a.mu.Unlock()
		return nil, nil
	}
	a.removeLocked(removed.ID)
	a.mu.Unlock()
	if err := a.persist(ctx); err != nil {
		a.mu.Lock()
		a.participants = append(a.participants, removed)
		a.mu.Unlock()
		return nil, err
	}
	return removed.clone(), nil
}

// UpdateRecoveryID binds recoveryID to a participant and persists the
// change. A participant already known under recoveryID moves to endpoint,
// which may be a compensator base URL or a link header. Otherwise the
// participant registered under endpoint takes recoveryID as its new id.
func (a *Action) UpdateRecoveryID(ctx context.Context, endpoint, recoveryID string) error {
	a.mu.Lock()
	var target *Participant
	for _, p := range a.participants {
		if p.RecoveryID == recoveryID {
			target = p
			break
		}
	}
	if target != nil {
		if !target.Matches(endpoint) && target.CompensatorURI() != endpoint {
			if err := target.move(a.uid, endpoint); err != nil {
				a.mu.Unlock()
				return err
			}
		}
	} else {
		for _, p := range a.participants {
			if p.Matches(endpoint) || p.CompensatorURI() == endpoint {
				target = p
				break
			}
		}
		if target == nil {
			a.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNoParticipant, endpoint)
		}
		target.RecoveryID = recoveryID
	}
	a.mu.Unlock()
	return a.persist(ctx)
}

// SetTimeLimit moves the deadline to limit from now. A non-positive limit
// removes the deadline.
func (a *Action) SetTimeLimit(ctx context.Context, limit time.Duration) error {
	a.mu.Lock()
	if a.status != StatusActive {
		status := a.status
		a.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotActive, a.id, status)
	}
	a.deadline = clock.Deadline(a.deps.clock(), limit)
	a.mu.Unlock()
	return a.persist(ctx)
}

// End drives the action towards a terminal state. An active action moves to
// Closing or Cancelling; an action already ending keeps its direction. Every
// unsettled participant is asked to settle. Participants that cannot be
// reached keep the action ending and mark it recovering so a later End
// re-drives it. Once terminal, listeners are told the outcome and, unless
// the outcome is a failure, the record is deleted.
func (a *Action) End(ctx context.Context, compensate bool) error {
	a.mu.Lock()
	switch {
	case a.status == StatusActive:
		a.status = endingStatus(compensate)
	case a.status.Ending():
		compensate = a.status.Compensating()
	case a.status == StatusClosed && compensate && a.parentID != "":
		// A closed nested action is compensated when its parent cancels.
		a.status = StatusCancelling
		for _, p := range a.participants {
			if p.Listener {
				p.Notified = false
				continue
			}
			p.Status = ParticipantActive
			p.Attempts = 0
		}
	}
	status := a.status
	a.mu.Unlock()

	if status.Ending() {
		if err := a.persist(ctx); err != nil {
			return err
		}
		a.settleParticipants(ctx, compensate)
		a.mu.Lock()
		failed, pending := false, false
		for _, p := range a.participants {
			if p.Listener {
				continue
			}
			switch {
			case p.Status.Failed():
				failed = true
			case !p.Status.Done():
				pending = true
			}
		}
		if pending {
			a.recovering = true
		} else {
			a.status = finalStatus(compensate, failed)
			a.finishedAt = a.deps.clock().Now()
		}
		a.mu.Unlock()
	}

	if a.Status().Terminal() {
		a.notifyListeners(ctx)
	}
	return a.checkpoint(ctx)
}

// Release marks a nested action as ended by its parent. Until then a
// finished nested action keeps its record so a cancelling parent can still
// compensate it.
func (a *Action) Release() {
	a.mu.Lock()
	a.released = true
	a.mu.Unlock()
}

// Data returns a summary snapshot.
func (a *Action) Data() Data {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dataLocked()
}

func (a *Action) dataLocked() Data {
	return Data{
		ID:           a.id,
		UID:          a.uid,
		ClientID:     a.clientID,
		ParentID:     a.parentID,
		Status:       a.status,
		TopLevel:     a.parentID == "",
		Recovering:   a.recovering,
		StartedAt:    a.startedAt,
		FinishedAt:   a.finishedAt,
		Deadline:     a.deadline,
		Participants: len(a.participants),
	}
}

func (a *Action) settleParticipants(ctx context.Context, compensate bool) {
	done, inProgress, failed := Outcome(compensate)
	for _, p := range a.Participants() {
		if p.Listener || p.Status.Settled() {
			continue
		}
		status, err := a.deps.Notifier.Settle(ctx, a.Data(), p, compensate)
		a.mu.Lock()
		target := a.findLocked(p.ID)
		if target == nil {
			a.mu.Unlock()
			continue
		}
		target.Attempts++
		switch {
		case err != nil:
			target.Status = inProgress
			if a.deps.MaxAttempts > 0 && target.Attempts >= a.deps.MaxAttempts {
				target.Status = failed
			}
		case status == done, status.Failed():
			target.Status = status
		case status.Done():
			// A participant answering for the other direction still settled.
			target.Status = done
		default:
			target.Status = inProgress
		}
		a.mu.Unlock()
	}
}

func (a *Action) notifyListeners(ctx context.Context) {
	for _, p := range a.Participants() {
		if !p.Listener || p.Notified {
			continue
		}
		err := a.deps.Notifier.AfterLRA(ctx, a.Data(), p)
		a.mu.Lock()
		if target := a.findLocked(p.ID); target != nil {
			target.Attempts++
			if err == nil || (a.deps.MaxAttempts > 0 && target.Attempts >= a.deps.MaxAttempts) {
				target.Notified = true
			}
		}
		a.mu.Unlock()
	}
	a.mu.Lock()
	a.recovering = false
	for _, p := range a.participants {
		if p.pending() {
			a.recovering = true
		}
	}
	a.mu.Unlock()
}

// checkpoint persists the action, or deletes its record once it has
// finished successfully with nothing left to deliver.
func (a *Action) checkpoint(ctx context.Context) error {
	a.mu.RLock()
	status, releasable := a.status, a.parentID == "" || a.released
	a.mu.RUnlock()
	if status.Terminal() && !status.Failed() && releasable && !a.HasPendingActions() {
		return a.deps.Log.Delete(ctx, a.uid)
	}
	return a.persist(ctx)
}

func (a *Action) persist(ctx context.Context) error {
	a.mu.RLock()
	rec := a.recordLocked()
	etag := a.etag
	a.mu.RUnlock()
	next, err := a.deps.Log.Save(ctx, rec, etag)
	if err != nil {
		return fmt.Errorf("lra: persist %s: %w", a.id, err)
	}
	a.mu.Lock()
	a.etag = next
	a.mu.Unlock()
	return nil
}

func (a *Action) findLocked(id string) *Participant {
	for _, p := range a.participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (a *Action) removeLocked(id string) {
	for i, p := range a.participants {
		if p.ID == id {
			a.participants = append(a.participants[:i], a.participants[i+1:]...)
			return
		}
	}
}
