// Package coordinator is the transaction registry of the LRA coordinator. It
// resolves action ids, serialises operations per action, tracks the
// participant registry and bridges to the recovery engine.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/lra/internal/clock"
	"pkt.systems/lra/internal/linkheader"
	"pkt.systems/lra/internal/loggingutil"
	"pkt.systems/lra/internal/lra"
	"pkt.systems/lra/internal/recovery"
	"pkt.systems/lra/internal/txlog"
)

// ModuleName is the name the coordinator registers with the recovery engine.
const ModuleName = "lra-coordinator"

// DefaultFinishedMemory bounds how many evicted actions are remembered.
const DefaultFinishedMemory = 4096

// Config wires a Service.
type Config struct {
	// BaseURL is the namespace new action ids are minted under when a start
	// request does not name one, e.g. http://host:8080/lra-coordinator.
	BaseURL string
	// RecoveryBase prefixes participant recovery ids. Defaults to
	// BaseURL + "/recovery".
	RecoveryBase string
	Log          *txlog.Log
	Notifier     lra.Notifier
	Engine       *recovery.Engine
	Clock        clock.Clock
	Logger       pslog.Logger
	// MaxAttempts bounds participant settle attempts. Zero is unbounded.
	MaxAttempts int
	// FinishedMemory bounds the set of recently finished actions consulted
	// when a request names an evicted action. Zero uses the default and a
	// negative value disables it.
	FinishedMemory int
}

// Service coordinates long running actions.
type Service struct {
	baseURL      string
	recoveryBase string
	log          *txlog.Log
	engine       *recovery.Engine
	clock        clock.Clock
	logger       pslog.Logger
	deps         lra.Deps
	metrics      *coordinatorMetrics

	active       *partition
	recovering   *partition
	locks        *lockTable
	participants participantRegistry
	finished     *finishedSet

	mu      sync.Mutex
	started bool
}

// StartRequest creates an action.
type StartRequest struct {
	// BaseURL overrides the configured namespace.
	BaseURL   string
	ParentID  string
	ClientID  string
	TimeLimit time.Duration
}

// JoinRequest enlists a participant.
type JoinRequest struct {
	LRAID     string
	TimeLimit time.Duration
	// Endpoint is the compensator base URL; ignored when LinkHeader is set.
	Endpoint   string
	LinkHeader string
	// RecoveryBase overrides the configured recovery prefix.
	RecoveryBase string
	Data         []byte
}

// New constructs a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Log == nil {
		return nil, errors.New("coordinator: transaction log required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("coordinator: notifier required")
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "coordinator")
	s := &Service{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		log:        cfg.Log,
		engine:     cfg.Engine,
		clock:      cfg.Clock,
		logger:     logger,
		active:     newPartition(),
		recovering: newPartition(),
		locks:      newLockTable(),
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	s.recoveryBase = strings.TrimRight(strings.TrimSpace(cfg.RecoveryBase), "/")
	if s.recoveryBase == "" && s.baseURL != "" {
		s.recoveryBase = s.baseURL + "/recovery"
	}
	memory := cfg.FinishedMemory
	if memory == 0 {
		memory = DefaultFinishedMemory
	}
	s.finished = newFinishedSet(memory)
	s.deps = lra.Deps{
		Log:         cfg.Log,
		Notifier:    &hierarchyNotifier{svc: s, next: cfg.Notifier},
		Clock:       s.clock,
		MaxAttempts: cfg.MaxAttempts,
	}
	s.metrics = newCoordinatorMetrics(logger, s)
	return s, nil
}

// BaseURL returns the configured namespace.
func (s *Service) BaseURL() string { return s.baseURL }

// RecoveryBase returns the configured recovery id prefix.
func (s *Service) RecoveryBase() string { return s.recoveryBase }

// Resolve finds the action for id. An exact match in the active partition is
// tried first, then any active action with the same uid, then the same two
// lookups against the recovering partition.
func (s *Service) Resolve(id string) (*lra.Action, error) {
	if a, ok := s.active.load(id); ok {
		return a, nil
	}
	uid := lra.UID(id)
	if a, ok := s.active.byUID(uid); ok {
		return a, nil
	}
	if a, ok := s.recovering.load(id); ok {
		return a, nil
	}
	if a, ok := s.recovering.byUID(uid); ok {
		return a, nil
	}
	return nil, fail(ErrNotFound, "resolve", id, "", "", nil)
}

// lockResolved resolves id and takes its lock. The action is re-checked
// under the lock because it may have been evicted while waiting. A recently
// evicted action is reported as a precondition failure for op.
func (s *Service) lockResolved(op, id string) (*lra.Action, *lease, error) {
	for {
		a, err := s.Resolve(id)
		if err != nil {
			if status, ok := s.finished.lookup(lra.UID(id)); ok {
				return nil, nil, fail(ErrPreconditionFailed, op, id, status, "action has finished", nil)
			}
			return nil, nil, fail(ErrNotFound, op, id, "", "", nil)
		}
		l := s.locks.acquire(a.ID())
		if s.registered(a) {
			return a, l, nil
		}
		s.abandon(a, l)
	}
}

// abandon releases a lock taken for an action that was evicted meanwhile. The
// handle was recreated by that late acquire, so it is dropped again unless
// the id has been registered anew.
func (s *Service) abandon(a *lra.Action, l *lease) {
	_, active := s.active.load(a.ID())
	_, recovering := s.recovering.load(a.ID())
	if !active && !recovering {
		s.locks.drop(a.ID())
	}
	l.Release()
}

func (s *Service) registered(a *lra.Action) bool {
	if cur, ok := s.active.load(a.ID()); ok && cur == a {
		return true
	}
	cur, ok := s.recovering.load(a.ID())
	return ok && cur == a
}

// StartLRA creates and begins an action and returns its id. A nested action
// is enlisted in its parent before it becomes visible.
func (s *Service) StartLRA(ctx context.Context, req StartRequest) (id string, err error) {
	ctx = lra.Suspend(ctx)
	start := s.clock.Now()
	defer func() { s.metrics.recordOp(ctx, "start", err, s.clock.Now().Sub(start)) }()

	base := strings.TrimRight(strings.TrimSpace(req.BaseURL), "/")
	if base == "" {
		base = s.baseURL
	}
	var parent *lra.Action
	if req.ParentID != "" {
		if parent, err = s.Resolve(req.ParentID); err != nil {
			return "", fail(ErrNotFound, "start", req.ParentID, "", "parent not found", nil)
		}
	}
	parentID := ""
	if parent != nil {
		parentID = parent.ID()
	}
	a, err := lra.New(s.deps, base, parentID, req.ClientID)
	if err != nil {
		return "", fail(ErrInvalidArgument, "start", base, "", "", err)
	}
	timeLimit := req.TimeLimit
	if timeLimit < 0 {
		timeLimit = 0
	}

	// The new id stays locked until it is registered so a concurrent log
	// import cannot adopt the half-started record.
	l := s.locks.acquire(a.ID())
	defer l.Release()
	abort := func() {
		if abortErr := a.Abort(ctx); abortErr != nil {
			s.logger.Warn("coordinator.start.abort_failed", "lra_id", a.ID(), "error", abortErr)
		}
		s.locks.drop(a.ID())
	}
	_, state, beginErr := a.Begin(ctx, timeLimit)
	if beginErr != nil || state != lra.RunStateRunning {
		abort()
		return "", fail(ErrInternal, "start", a.ID(), "", "could not begin action ("+state.String()+")", beginErr)
	}
	if parent != nil {
		if err := s.enlistNested(ctx, parent, a, base); err != nil {
			abort()
			return "", err
		}
	}
	s.active.store(a)
	s.trace(a, "started")
	s.logger.Info("coordinator.start", "lra_id", a.ID(), "client_id", req.ClientID, "parent", parentID, "time_limit", timeLimit)
	return a.ID(), nil
}

func (s *Service) enlistNested(ctx context.Context, parent, child *lra.Action, base string) error {
	recoveryBase := s.recoveryBase
	if recoveryBase == "" {
		recoveryBase = base + "/recovery"
	}
	parent, l, err := s.lockResolved("start", parent.ID())
	if err != nil {
		return err
	}
	defer l.Release()
	if parent.Status() != lra.StatusActive {
		return fail(ErrPreconditionFailed, "start", parent.ID(), parent.Status(), "parent is not active", nil)
	}
	p, err := parent.Enlist(ctx, lra.EnlistRequest{
		Endpoint:     child.ID(),
		RecoveryBase: recoveryBase,
		Nested:       child.ID(),
	})
	if err != nil {
		return s.enlistFailure("start", parent, err)
	}
	s.participants.store(p.RecoveryID, p.CompensatorURI())
	return nil
}

// JoinLRA enlists a participant and returns its recovery id. Once an action
// has stopped being active only after-listeners may join, and only while the
// action is still recovering.
func (s *Service) JoinLRA(ctx context.Context, req JoinRequest) (recoveryID string, err error) {
	ctx = lra.Suspend(ctx)
	start := s.clock.Now()
	defer func() { s.metrics.recordOp(ctx, "join", err, s.clock.Now().Sub(start)) }()

	a, l, err := s.lockResolved("join", req.LRAID)
	if err != nil {
		return "", err
	}
	defer l.Release()

	timeLimit := req.TimeLimit
	if timeLimit < 0 {
		timeLimit = 0
	}
	if status := a.Status(); status != lra.StatusActive {
		if err := s.checkLateJoin(a, req.LinkHeader); err != nil {
			return "", err
		}
	}
	recoveryBase := strings.TrimRight(strings.TrimSpace(req.RecoveryBase), "/")
	if recoveryBase == "" {
		recoveryBase = s.recoveryBase
	}
	p, err := a.Enlist(ctx, lra.EnlistRequest{
		Endpoint:     req.Endpoint,
		LinkHeader:   req.LinkHeader,
		RecoveryBase: recoveryBase,
		TimeLimit:    timeLimit,
		Data:         req.Data,
	})
	if err != nil {
		return "", s.enlistFailure("join", a, err)
	}
	s.participants.store(p.RecoveryID, p.CompensatorURI())
	s.trace(a, "participant joined")
	s.logger.Debug("coordinator.join", "lra_id", a.ID(), "participant", p.ID, "recovery_id", p.RecoveryID, "listener", p.Listener)
	return p.RecoveryID, nil
}

// checkLateJoin admits a join on an action that is no longer active only for
// an after-listener while the action is recovering.
func (s *Service) checkLateJoin(a *lra.Action, header string) error {
	status := a.Status()
	if strings.TrimSpace(header) == "" {
		return fail(ErrPreconditionFailed, "join", a.ID(), status, "action is not active", nil)
	}
	links, err := linkheader.Parse(header)
	if err != nil {
		return fail(ErrPreconditionFailed, "join", a.ID(), status, "invalid link header", err)
	}
	if !links.ListenerOnly() {
		return fail(ErrPreconditionFailed, "join", a.ID(), status, "only an after relation may join an action that is not active", nil)
	}
	if !a.IsRecovering() {
		return fail(ErrPreconditionFailed, "join", a.ID(), status, "action has finished", nil)
	}
	return nil
}

func (s *Service) enlistFailure(op string, a *lra.Action, err error) error {
	switch {
	case errors.Is(err, lra.ErrNotActive), errors.Is(err, lra.ErrInvalidEndpoint):
		return fail(ErrPreconditionFailed, op, a.ID(), a.Status(), "", err)
	default:
		return fail(ErrInternal, op, a.ID(), a.Status(), "", err)
	}
}

// LeaveLRA removes a participant from an active action. A participant that
// was never enlisted is not an error.
func (s *Service) LeaveLRA(ctx context.Context, id, endpoint string) (err error) {
	ctx = lra.Suspend(ctx)
	start := s.clock.Now()
	defer func() { s.metrics.recordOp(ctx, "leave", err, s.clock.Now().Sub(start)) }()

	a, l, err := s.lockResolved("leave", id)
	if err != nil {
		return err
	}
	defer l.Release()
	if status := a.Status(); status != lra.StatusActive {
		return fail(ErrPreconditionFailed, "leave", a.ID(), status, "action is not active", nil)
	}
	removed, err := a.Forget(ctx, endpoint)
	if err != nil {
		return fail(ErrBadRequest, "leave", a.ID(), a.Status(), "could not forget participant", err)
	}
	if removed == nil {
		s.logger.Info("coordinator.leave.not_enlisted", "lra_id", a.ID(), "endpoint", endpoint)
		return nil
	}
	s.participants.delete(removed.RecoveryID)
	s.trace(a, "participant left")
	return nil
}

// EndLRA closes or cancels an action and returns its state afterwards.
// Ending a finished top level action again is refused; nested and recovering
// actions may be driven repeatedly by their parent or by recovery.
// fromHierarchy marks an end issued by the parent of a nested action.
func (s *Service) EndLRA(ctx context.Context, id string, compensate, fromHierarchy bool) (data lra.Data, err error) {
	ctx = lra.Suspend(ctx)
	start := s.clock.Now()
	op := "close"
	if compensate {
		op = "cancel"
	}
	defer func() { s.metrics.recordOp(ctx, op, err, s.clock.Now().Sub(start)) }()

	a, l, err := s.lockResolved(op, id)
	if err != nil {
		return lra.Data{}, err
	}
	status := a.Status()
	if status != lra.StatusActive && !a.IsRecovering() && a.IsTopLevel() {
		l.Release()
		return lra.Data{}, fail(ErrPreconditionFailed, op, a.ID(), status, "action is not active", nil)
	}
	if fromHierarchy {
		a.Release()
	}
	endErr := a.End(ctx, compensate)
	data = a.Data()
	l.Release()
	if endErr != nil {
		s.logger.Warn("coordinator.end.error", "lra_id", a.ID(), "compensate", compensate, "status", data.Status, "error", endErr)
		return data, fail(ErrInternal, op, a.ID(), data.Status, "", endErr)
	}
	s.trace(a, "ended")
	s.settled(ctx, a, fromHierarchy)
	return data, nil
}

// settled files a after an end: recovering actions move to the recovering
// partition; finished top level actions, and nested ones ended by their
// parent, are evicted once nothing is pending.
func (s *Service) settled(ctx context.Context, a *lra.Action, fromHierarchy bool) {
	switch {
	case a.IsRecovering():
		s.recovering.store(a)
		s.active.delete(a.ID())
	case (fromHierarchy || a.IsTopLevel()) && !a.HasPendingActions():
		if err := s.remove(ctx, a); err != nil {
			s.logger.Warn("coordinator.remove.error", "lra_id", a.ID(), "error", err)
		}
	}
}

// RenewTimeLimit moves the deadline of an active action. Only the active
// partition is consulted.
func (s *Service) RenewTimeLimit(ctx context.Context, id string, limit time.Duration) (err error) {
	ctx = lra.Suspend(ctx)
	start := s.clock.Now()
	defer func() { s.metrics.recordOp(ctx, "renew", err, s.clock.Now().Sub(start)) }()

	a, ok := s.active.load(id)
	if !ok {
		return fail(ErrPreconditionFailed, "renew", id, "", "action is not active", nil)
	}
	l := s.locks.acquire(a.ID())
	defer l.Release()
	if !s.registered(a) {
		return fail(ErrPreconditionFailed, "renew", id, "", "action is not active", nil)
	}
	if err := a.SetTimeLimit(ctx, limit); err != nil {
		if errors.Is(err, lra.ErrNotActive) {
			return fail(ErrPreconditionFailed, "renew", a.ID(), a.Status(), "", err)
		}
		return fail(ErrInternal, "renew", a.ID(), a.Status(), "", err)
	}
	s.trace(a, "time limit renewed")
	return nil
}

// RemoveTransactionLog purges the durable record of a finished action. It
// reports whether a record was removed; failures are logged, never returned.
func (s *Service) RemoveTransactionLog(ctx context.Context, id string) bool {
	uid := lra.UID(strings.TrimSpace(id))
	if uid == "" {
		return false
	}
	removed, err := s.log.RemoveCommitted(ctx, uid)
	if err != nil {
		s.logger.Warn("coordinator.remove_log.error", "uid", uid, "error", err)
		return false
	}
	return removed
}

// remove evicts a. A failed action is persisted to the failure log first and
// stays registered if that write fails.
func (s *Service) remove(ctx context.Context, a *lra.Action) error {
	failed := a.IsFailed()
	if failed {
		if err := s.log.PersistFailure(ctx, a.Record()); err != nil {
			return fmt.Errorf("persist failure record: %w", err)
		}
	}
	for _, p := range a.Participants() {
		s.participants.delete(p.RecoveryID)
	}
	s.finished.add(a.UID(), a.Status())
	s.removeID(a.ID())
	s.metrics.recordEviction(ctx, failed)
	s.logger.Debug("coordinator.evicted", "lra_id", a.ID(), "status", a.Status(), "failed", failed)
	return nil
}

// removeID deletes id from both partitions and drops its lock.
func (s *Service) removeID(id string) {
	s.active.delete(id)
	s.recovering.delete(id)
	s.locks.drop(id)
}

// GetLRA returns a summary of the action for id.
func (s *Service) GetLRA(id string) (lra.Data, error) {
	a, err := s.Resolve(id)
	if err != nil {
		return lra.Data{}, err
	}
	return a.Data(), nil
}

// HasTransaction reports whether id is an active action of this coordinator.
// No uid fallback is applied.
func (s *Service) HasTransaction(id string) bool {
	_, ok := s.active.load(id)
	return ok
}

// IsLocal reports whether id resolves to an action held by this coordinator.
func (s *Service) IsLocal(id string) bool {
	_, err := s.Resolve(id)
	return err == nil
}

// GetParticipant returns the compensator endpoint registered for a recovery
// id.
func (s *Service) GetParticipant(recoveryID string) (string, bool) {
	return s.participants.load(recoveryID)
}

// UpdateRecoveryURI maps recoveryID to compensator. With persist set the
// owning action, when known, records the new id durably.
func (s *Service) UpdateRecoveryURI(ctx context.Context, lraID, compensator, recoveryID string, persist bool) (err error) {
	ctx = lra.Suspend(ctx)
	start := s.clock.Now()
	defer func() { s.metrics.recordOp(ctx, "update_recovery", err, s.clock.Now().Sub(start)) }()

	s.participants.store(recoveryID, compensator)
	if !persist {
		return nil
	}
	a, l, err := s.lockResolved("update_recovery", lraID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	defer l.Release()
	if err := a.UpdateRecoveryID(ctx, compensator, recoveryID); err != nil {
		if errors.Is(err, lra.ErrNoParticipant) {
			return fail(ErrNotFound, "update_recovery", a.ID(), a.Status(), "participant not enlisted", err)
		}
		return fail(ErrInternal, "update_recovery", a.ID(), a.Status(), "", err)
	}
	return nil
}

// ListAll returns every known action, optionally only those in status. Order
// is unspecified.
func (s *Service) ListAll(status lra.Status) []lra.Data {
	seen := make(map[string]struct{})
	var out []lra.Data
	for _, p := range []*partition{s.active, s.recovering} {
		for _, a := range p.snapshot() {
			if _, dup := seen[a.ID()]; dup {
				continue
			}
			seen[a.ID()] = struct{}{}
			d := a.Data()
			if status != "" && d.Status != status {
				continue
			}
			out = append(out, d)
		}
	}
	return out
}

// ImportRecovering optionally runs a recovery scan and returns the actions in
// the recovering partition.
func (s *Service) ImportRecovering(ctx context.Context, scan bool) ([]lra.Data, error) {
	if scan {
		var err error
		if s.engine != nil {
			err = s.engine.Scan(ctx)
		} else {
			err = s.Pass(ctx)
		}
		if err != nil {
			s.logger.Warn("coordinator.recovery.scan_failed", "error", err)
		}
	}
	actions := s.recovering.snapshot()
	out := make([]lra.Data, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Data())
	}
	return out, nil
}

// ListFailed returns the actions recovery has given up on.
func (s *Service) ListFailed(ctx context.Context) ([]lra.Data, error) {
	failed, err := recovery.LoadFailed(ctx, s.log)
	if err != nil {
		return nil, fail(ErrInternal, "list_failed", "", "", "", err)
	}
	out := make([]lra.Data, 0, len(failed))
	for _, d := range failed {
		out = append(out, d)
	}
	return out, nil
}

// Start registers the recovery module, loads recovering actions from the log
// and republishes their participant mappings. Starting twice is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.logger.Debug("coordinator.start.already_started")
		return nil
	}
	if s.engine != nil {
		if err := s.engine.Register(s); err != nil {
			return err
		}
	}
	n, err := s.importLog(ctx)
	if err != nil {
		if s.engine != nil {
			s.engine.Deregister(ModuleName)
		}
		return fmt.Errorf("coordinator: import recovering actions: %w", err)
	}
	s.started = true
	s.logger.Info("coordinator.started", "recovered", n, "base_url", s.baseURL)
	return nil
}

// Stop deregisters the recovery module. Stopping twice is a no-op.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if s.engine != nil {
		s.engine.Deregister(ModuleName)
	}
	s.started = false
	s.metrics.close()
	s.logger.Info("coordinator.stopped")
}

// importLog adopts every log record not already registered. Records whose
// lock is held belong to an operation in flight and are left alone.
func (s *Service) importLog(ctx context.Context) (int, error) {
	adopted := 0
	err := recovery.LoadRecovering(ctx, s.log, s.deps, func(a *lra.Action) {
		l := s.locks.tryAcquire(a.ID())
		if l == nil {
			return
		}
		defer l.Release()
		if _, ok := s.active.load(a.ID()); ok {
			return
		}
		if !s.recovering.storeIfAbsent(a) {
			return
		}
		for _, p := range a.Participants() {
			s.participants.store(p.RecoveryID, p.CompensatorURI())
		}
		adopted++
		s.trace(a, "imported")
	}, func(uid string, err error) {
		s.logger.Warn("coordinator.recovery.skip_record", "uid", uid, "error", err)
	})
	return adopted, err
}

// trace logs the state of a at trace level.
func (s *Service) trace(a *lra.Action, msg string) {
	d := a.Data()
	s.logger.Trace("coordinator.trace",
		"lra_id", d.ID,
		"msg", msg,
		"status", d.Status,
		"recovering", d.Recovering,
		"top_level", d.TopLevel,
		"participants", d.Participants,
	)
}
