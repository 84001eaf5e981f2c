package lra

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/lra/internal/clock"
)

type memLog struct {
	mu      sync.Mutex
	records map[string]*Record
	etags   map[string]int
	saveErr error
}

func newMemLog() *memLog {
	return &memLog{records: map[string]*Record{}, etags: map[string]int{}}
}

func (m *memLog) Save(_ context.Context, rec *Record, etag string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return "", m.saveErr
	}
	if etag == "" {
		if _, exists := m.records[rec.UID]; exists {
			return "", errors.New("exists")
		}
	}
	m.records[rec.UID] = rec
	m.etags[rec.UID]++
	return time.Duration(m.etags[rec.UID]).String(), nil
}

func (m *memLog) Delete(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, uid)
	return nil
}

func (m *memLog) get(uid string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[uid]
}

type scriptedNotifier struct {
	mu       sync.Mutex
	settle   func(p *Participant, compensate bool) (ParticipantStatus, error)
	after    func(p *Participant) error
	settled  []string
	afterFor []Status
}

func (n *scriptedNotifier) Settle(_ context.Context, _ Data, p *Participant, compensate bool) (ParticipantStatus, error) {
	n.mu.Lock()
	n.settled = append(n.settled, p.ID)
	n.mu.Unlock()
	if n.settle != nil {
		return n.settle(p, compensate)
	}
	done, _, _ := Outcome(compensate)
	return done, nil
}

func (n *scriptedNotifier) AfterLRA(_ context.Context, a Data, p *Participant) error {
	n.mu.Lock()
	n.afterFor = append(n.afterFor, a.Status)
	n.mu.Unlock()
	if n.after != nil {
		return n.after(p)
	}
	return nil
}

func newTestAction(t testing.TB, log *memLog, notifier Notifier, clk clock.Clock) *Action {
	t.Helper()
	a, err := New(Deps{Log: log, Notifier: notifier, Clock: clk}, "http://coord:8080/lra-coordinator/", "", "order-42")
	if err != nil {
		t.Fatalf("new action: %v", err)
	}
	if _, state, err := a.Begin(context.Background(), 0); err != nil || state != RunStateRunning {
		t.Fatalf("begin: state=%s err=%v", state, err)
	}
	return a
}

func enlist(t testing.TB, a *Action, endpoint string) *Participant {
	t.Helper()
	p, err := a.Enlist(context.Background(), EnlistRequest{Endpoint: endpoint, RecoveryBase: "http://coord:8080/lra-coordinator/recovery"})
	if err != nil {
		t.Fatalf("enlist %s: %v", endpoint, err)
	}
	return p
}

func TestNewRejectsInvalidBase(t *testing.T) {
	for _, base := range []string{"", "not a url", "/relative/path", "http://"} {
		if _, err := New(Deps{}, base, "", "x"); !errors.Is(err, ErrInvalidBase) {
			t.Fatalf("expected ErrInvalidBase for %q, got %v", base, err)
		}
	}
}

func TestUID(t *testing.T) {
	cases := map[string]string{
		"http://host/lra-coordinator/0001":            "0001",
		"http://127.0.0.1:8080/lra-coordinator/0001/": "0001",
		"https://h/a/b/c?x=1":                         "c",
		"0001":                                        "0001",
	}
	for in, want := range cases {
		if got := UID(in); got != want {
			t.Fatalf("UID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBeginPersistsActiveRecord(t *testing.T) {
	log := newMemLog()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	a, err := New(Deps{Log: log, Notifier: &scriptedNotifier{}, Clock: clk}, "http://coord/lra-coordinator", "", "order-42")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, state, err := a.Begin(context.Background(), time.Minute)
	if err != nil || state != RunStateRunning {
		t.Fatalf("begin: %s %v", state, err)
	}
	if FromContext(ctx) != a {
		t.Fatal("expected begin to bind the ambient action")
	}
	if FromContext(Suspend(ctx)) != nil {
		t.Fatal("expected suspend to clear the ambient action")
	}
	rec := log.get(a.UID())
	if rec == nil || rec.Status != StatusActive || rec.ClientID != "order-42" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !a.Deadline().Equal(clk.Now().Add(time.Minute)) {
		t.Fatalf("unexpected deadline %v", a.Deadline())
	}
	if a.Expired(clk.Now()) {
		t.Fatal("action should not be expired yet")
	}
	clk.Advance(time.Minute)
	if !a.Expired(clk.Now()) {
		t.Fatal("action should be expired")
	}
}

func TestBeginFailureReportsAborted(t *testing.T) {
	log := newMemLog()
	log.saveErr = errors.New("disk full")
	a, err := New(Deps{Log: log, Notifier: &scriptedNotifier{}}, "http://coord/lra-coordinator", "", "x")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, state, err := a.Begin(context.Background(), 0)
	if err == nil || state != RunStateAborted {
		t.Fatalf("expected aborted begin, got %s %v", state, err)
	}
	if FromContext(ctx) != nil {
		t.Fatal("aborted begin must not bind an ambient action")
	}
}

func TestCloseSettlesParticipantsAndDeletesRecord(t *testing.T) {
	log := newMemLog()
	notifier := &scriptedNotifier{}
	a := newTestAction(t, log, notifier, nil)
	p1 := enlist(t, a, "http://svc-a/p")
	enlist(t, a, "http://svc-b/p")
	if p1.Endpoints.Complete != "http://svc-a/p/complete" || p1.Endpoints.Compensate != "http://svc-a/p/compensate" {
		t.Fatalf("unexpected endpoints %+v", p1.Endpoints)
	}
	if p1.RecoveryID != "http://coord:8080/lra-coordinator/recovery/"+a.UID()+"/"+p1.ID {
		t.Fatalf("unexpected recovery id %q", p1.RecoveryID)
	}
	if err := a.End(context.Background(), false); err != nil {
		t.Fatalf("end: %v", err)
	}
	if a.Status() != StatusClosed {
		t.Fatalf("expected Closed, got %s", a.Status())
	}
	if a.HasPendingActions() || a.IsRecovering() {
		t.Fatal("expected no pending actions")
	}
	if len(notifier.settled) != 2 {
		t.Fatalf("expected 2 settle calls, got %d", len(notifier.settled))
	}
	if log.get(a.UID()) != nil {
		t.Fatal("expected record to be deleted after successful close")
	}
	if err := a.End(context.Background(), false); err != nil {
		t.Fatalf("second end on terminal action: %v", err)
	}
	if len(notifier.settled) != 2 {
		t.Fatal("terminal action must not settle participants again")
	}
}

func TestEndWithUnreachableParticipantIsRedriven(t *testing.T) {
	log := newMemLog()
	reachable := false
	notifier := &scriptedNotifier{settle: func(_ *Participant, compensate bool) (ParticipantStatus, error) {
		if !reachable {
			return "", errors.New("connection refused")
		}
		return ParticipantCompensated, nil
	}}
	a := newTestAction(t, log, notifier, nil)
	enlist(t, a, "http://svc/p")
	if err := a.End(context.Background(), true); err != nil {
		t.Fatalf("end: %v", err)
	}
	if a.Status() != StatusCancelling || !a.IsRecovering() || !a.HasPendingActions() {
		t.Fatalf("expected recovering Cancelling action, got %+v", a.Data())
	}
	rec := log.get(a.UID())
	if rec == nil || rec.Status != StatusCancelling || rec.Participants[0].Status != ParticipantCompensating {
		t.Fatalf("unexpected persisted record %+v", rec)
	}
	reachable = true
	// Re-driving keeps the original direction even when asked to close.
	if err := a.End(context.Background(), false); err != nil {
		t.Fatalf("re-drive: %v", err)
	}
	if a.Status() != StatusCancelled {
		t.Fatalf("expected Cancelled, got %s", a.Status())
	}
	if log.get(a.UID()) != nil {
		t.Fatal("expected record deleted once cancelled")
	}
}

func TestFailedParticipantFailsAction(t *testing.T) {
	log := newMemLog()
	notifier := &scriptedNotifier{settle: func(*Participant, bool) (ParticipantStatus, error) {
		return ParticipantFailedToComplete, nil
	}}
	a := newTestAction(t, log, notifier, nil)
	enlist(t, a, "http://svc/p")
	if err := a.End(context.Background(), false); err != nil {
		t.Fatalf("end: %v", err)
	}
	if a.Status() != StatusFailedToClose || !a.IsFailed() {
		t.Fatalf("expected FailedToClose, got %s", a.Status())
	}
	if rec := log.get(a.UID()); rec == nil || rec.Status != StatusFailedToClose {
		t.Fatalf("failed action record must be kept, got %+v", rec)
	}
}

func TestMaxAttemptsFailsParticipant(t *testing.T) {
	log := newMemLog()
	notifier := &scriptedNotifier{settle: func(*Participant, bool) (ParticipantStatus, error) {
		return "", errors.New("timeout")
	}}
	a, err := New(Deps{Log: log, Notifier: notifier, MaxAttempts: 2}, "http://coord/lra", "", "x")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, _, err := a.Begin(context.Background(), 0); err != nil {
		t.Fatalf("begin: %v", err)
	}
	enlist(t, a, "http://svc/p")
	_ = a.End(context.Background(), true)
	if a.Status() != StatusCancelling {
		t.Fatalf("expected Cancelling after first attempt, got %s", a.Status())
	}
	_ = a.End(context.Background(), true)
	if a.Status() != StatusFailedToCancel {
		t.Fatalf("expected FailedToCancel after max attempts, got %s", a.Status())
	}
}

func TestEnlistRules(t *testing.T) {
	log := newMemLog()
	notifier := &scriptedNotifier{settle: func(*Participant, bool) (ParticipantStatus, error) {
		return ParticipantCompleting, nil
	}}
	a := newTestAction(t, log, notifier, nil)
	first := enlist(t, a, "http://svc/p")
	again := enlist(t, a, "http://svc/p/")
	if first.ID != again.ID {
		t.Fatal("expected duplicate enlistment to return the existing participant")
	}
	if _, err := a.Enlist(context.Background(), EnlistRequest{Endpoint: "::bad", RecoveryBase: "http://c/r"}); !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("expected ErrInvalidEndpoint, got %v", err)
	}
	if _, err := a.Enlist(context.Background(), EnlistRequest{Endpoint: "http://svc/q"}); !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("expected ErrInvalidEndpoint without recovery base, got %v", err)
	}

	if err := a.End(context.Background(), false); err != nil {
		t.Fatalf("end: %v", err)
	}
	if a.Status() != StatusClosing || !a.IsRecovering() {
		t.Fatalf("expected recovering Closing, got %+v", a.Data())
	}
	if _, err := a.Enlist(context.Background(), EnlistRequest{Endpoint: "http://svc/late", RecoveryBase: "http://c/r"}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive for late participant, got %v", err)
	}
	listener, err := a.Enlist(context.Background(), EnlistRequest{
		LinkHeader:   `<http://svc/after>; rel="after"`,
		RecoveryBase: "http://c/r",
	})
	if err != nil {
		t.Fatalf("listener enlist while recovering: %v", err)
	}
	if !listener.Listener || listener.Endpoints.After != "http://svc/after" {
		t.Fatalf("unexpected listener %+v", listener)
	}
}

func TestListenersHearFinalStatus(t *testing.T) {
	log := newMemLog()
	notifier := &scriptedNotifier{}
	a := newTestAction(t, log, notifier, nil)
	enlist(t, a, "http://svc/p")
	if _, err := a.Enlist(context.Background(), EnlistRequest{
		LinkHeader:   `<http://svc/after>; rel="after"`,
		RecoveryBase: "http://c/r",
	}); err != nil {
		t.Fatalf("enlist listener: %v", err)
	}
	if err := a.End(context.Background(), true); err != nil {
		t.Fatalf("end: %v", err)
	}
	if len(notifier.afterFor) != 1 || notifier.afterFor[0] != StatusCancelled {
		t.Fatalf("expected one after callback with Cancelled, got %v", notifier.afterFor)
	}
	if len(notifier.settled) != 1 {
		t.Fatalf("listener must not be settled, got %d settle calls", len(notifier.settled))
	}
}

func TestUnreachableListenerKeepsActionRecovering(t *testing.T) {
	log := newMemLog()
	fail := true
	notifier := &scriptedNotifier{after: func(*Participant) error {
		if fail {
			return errors.New("down")
		}
		return nil
	}}
	a := newTestAction(t, log, notifier, nil)
	if _, err := a.Enlist(context.Background(), EnlistRequest{
		LinkHeader:   `<http://svc/after>; rel="after"`,
		RecoveryBase: "http://c/r",
	}); err != nil {
		t.Fatalf("enlist listener: %v", err)
	}
	_ = a.End(context.Background(), false)
	if a.Status() != StatusClosed || !a.IsRecovering() || !a.HasPendingActions() {
		t.Fatalf("expected Closed recovering with pending listener, got %+v", a.Data())
	}
	if log.get(a.UID()) == nil {
		t.Fatal("record must survive until the listener is told")
	}
	fail = false
	_ = a.End(context.Background(), false)
	if a.IsRecovering() || a.HasPendingActions() || log.get(a.UID()) != nil {
		t.Fatalf("expected listener delivered and record removed, got %+v", a.Data())
	}
}

func TestForgetAndSetTimeLimit(t *testing.T) {
	log := newMemLog()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	a := newTestAction(t, log, &scriptedNotifier{}, clk)
	enlist(t, a, "http://svc/p")
	removed, err := a.Forget(context.Background(), "http://svc/p/compensate")
	if err != nil || removed == nil || removed.Endpoint != "http://svc/p" {
		t.Fatalf("forget: removed=%+v err=%v", removed, err)
	}
	removed, err = a.Forget(context.Background(), "http://svc/p")
	if err != nil || removed != nil {
		t.Fatalf("forget absent participant: removed=%+v err=%v", removed, err)
	}
	if len(log.get(a.UID()).Participants) != 0 {
		t.Fatal("expected forget to be persisted")
	}
	if err := a.SetTimeLimit(context.Background(), 30*time.Second); err != nil {
		t.Fatalf("set time limit: %v", err)
	}
	if !a.Deadline().Equal(clk.Now().Add(30 * time.Second)) {
		t.Fatalf("unexpected deadline %v", a.Deadline())
	}
	if err := a.SetTimeLimit(context.Background(), 0); err != nil || !a.Deadline().IsZero() {
		t.Fatalf("expected deadline cleared: %v %v", a.Deadline(), err)
	}
	_ = a.End(context.Background(), false)
	if err := a.SetTimeLimit(context.Background(), time.Second); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive after end, got %v", err)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	log := newMemLog()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	a := newTestAction(t, log, &scriptedNotifier{}, clk)
	p := enlist(t, a, "http://svc/p")
	rec := a.Record()
	back, err := FromRecord(Deps{Log: log}, rec, "etag-1")
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	if back.ID() != a.ID() || back.ClientID() != "order-42" || !back.IsTopLevel() {
		t.Fatalf("unexpected rebuilt action %+v", back.Data())
	}
	if !back.IsRecovering() {
		t.Fatal("rebuilt action must be recovering")
	}
	parts := back.Participants()
	if len(parts) != 1 || parts[0].RecoveryID != p.RecoveryID || parts[0].Endpoints != p.Endpoints {
		t.Fatalf("unexpected participants %+v", parts)
	}
	if !back.Data().StartedAt.Equal(clk.Now().Truncate(time.Millisecond)) {
		t.Fatalf("unexpected start time %v", back.Data().StartedAt)
	}
	rec.Status = "Bogus"
	if _, err := FromRecord(Deps{}, rec, ""); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestStatusHelpers(t *testing.T) {
	if s, err := ParseStatus("cancelled"); err != nil || s != StatusCancelled {
		t.Fatalf("parse status: %v %v", s, err)
	}
	if _, err := ParseStatus("nope"); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if !StatusFailedToCancel.Terminal() || !StatusFailedToCancel.Failed() || !StatusFailedToCancel.Compensating() {
		t.Fatal("FailedToCancel helpers wrong")
	}
	if StatusClosing.Terminal() || !StatusClosing.Ending() {
		t.Fatal("Closing helpers wrong")
	}
	if s, ok := ParseParticipantStatus(" compensating "); !ok || s != ParticipantCompensating {
		t.Fatalf("parse participant status: %v %v", s, ok)
	}
}

func TestClosedNestedActionIsCompensatedByParent(t *testing.T) {
	log := newMemLog()
	notifier := &scriptedNotifier{}
	child, err := New(Deps{Log: log, Notifier: notifier}, "http://coord:8080/lra-coordinator", "http://coord:8080/lra-coordinator/parent", "child")
	if err != nil {
		t.Fatalf("new child: %v", err)
	}
	if _, _, err := child.Begin(context.Background(), 0); err != nil {
		t.Fatalf("begin: %v", err)
	}
	enlist(t, child, "http://svc/p")
	if err := child.End(context.Background(), false); err != nil {
		t.Fatalf("close: %v", err)
	}
	if child.Status() != StatusClosed {
		t.Fatalf("expected Closed, got %s", child.Status())
	}
	if log.get(child.UID()) == nil {
		t.Fatal("nested record must survive until the parent ends it")
	}
	child.Release()
	if err := child.End(context.Background(), true); err != nil {
		t.Fatalf("compensate: %v", err)
	}
	if child.Status() != StatusCancelled {
		t.Fatalf("expected Cancelled, got %s", child.Status())
	}
	if got := child.Participants()[0].Status; got != ParticipantCompensated {
		t.Fatalf("expected participant Compensated, got %s", got)
	}
	if log.get(child.UID()) != nil {
		t.Fatal("expected record deleted once released and finished")
	}
}
