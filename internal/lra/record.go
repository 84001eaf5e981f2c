package lra

import (
	"fmt"
	"time"
)

// RecordVersion is the current record schema.
const RecordVersion = 1

// Data is a point-in-time summary of an action.
type Data struct {
	ID           string
	UID          string
	ClientID     string
	ParentID     string
	Status       Status
	TopLevel     bool
	Recovering   bool
	StartedAt    time.Time
	FinishedAt   time.Time
	Deadline     time.Time
	Participants int
}

// Record is the durable form of an action.
type Record struct {
	Version      int                 `json:"version"`
	ID           string              `json:"id"`
	UID          string              `json:"uid"`
	ClientID     string              `json:"client_id,omitempty"`
	ParentID     string              `json:"parent_id,omitempty"`
	Status       Status              `json:"status"`
	StartedAt    int64               `json:"started_at_unix_ms,omitempty"`
	FinishedAt   int64               `json:"finished_at_unix_ms,omitempty"`
	Deadline     int64               `json:"deadline_unix_ms,omitempty"`
	Recovering   bool                `json:"recovering,omitempty"`
	Participants []ParticipantRecord `json:"participants,omitempty"`
}

// ParticipantRecord is the durable form of a participant.
type ParticipantRecord struct {
	ID          string            `json:"id"`
	Endpoint    string            `json:"endpoint"`
	Endpoints   Endpoints         `json:"endpoints"`
	RecoveryID  string            `json:"recovery_id"`
	Data        []byte            `json:"data,omitempty"`
	TimeLimitMS int64             `json:"time_limit_ms,omitempty"`
	Status      ParticipantStatus `json:"status"`
	Attempts    int               `json:"attempts,omitempty"`
	Listener    bool              `json:"listener,omitempty"`
	Notified    bool              `json:"notified,omitempty"`
	Nested      string            `json:"nested,omitempty"`
	EnlistedAt  int64             `json:"enlisted_at_unix_ms,omitempty"`
}

// Record returns the durable form of a.
func (a *Action) Record() *Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.recordLocked()
}

func (a *Action) recordLocked() *Record {
	rec := &Record{
		Version:    RecordVersion,
		ID:         a.id,
		UID:        a.uid,
		ClientID:   a.clientID,
		ParentID:   a.parentID,
		Status:     a.status,
		StartedAt:  unixMilli(a.startedAt),
		FinishedAt: unixMilli(a.finishedAt),
		Deadline:   unixMilli(a.deadline),
		Recovering: a.recovering,
	}
	for _, p := range a.participants {
		rec.Participants = append(rec.Participants, ParticipantRecord{
			ID:          p.ID,
			Endpoint:    p.Endpoint,
			Endpoints:   p.Endpoints,
			RecoveryID:  p.RecoveryID,
			Data:        append([]byte(nil), p.Data...),
			TimeLimitMS: p.TimeLimit.Milliseconds(),
			Status:      p.Status,
			Attempts:    p.Attempts,
			Listener:    p.Listener,
			Notified:    p.Notified,
			Nested:      p.Nested,
			EnlistedAt:  unixMilli(p.EnlistedAt),
		})
	}
	return rec
}

// Data summarises rec without rebuilding an action.
func (rec *Record) Data() Data {
	return Data{
		ID:           rec.ID,
		UID:          rec.UID,
		ClientID:     rec.ClientID,
		ParentID:     rec.ParentID,
		Status:       rec.Status,
		TopLevel:     rec.ParentID == "",
		Recovering:   rec.Recovering,
		StartedAt:    fromUnixMilli(rec.StartedAt),
		FinishedAt:   fromUnixMilli(rec.FinishedAt),
		Deadline:     fromUnixMilli(rec.Deadline),
		Participants: len(rec.Participants),
	}
}

// FromRecord rebuilds an action read back from the log. The action is
// always flagged recovering. etag is the version the record was read at.
func FromRecord(deps Deps, rec *Record, etag string) (*Action, error) {
	if rec == nil {
		return nil, fmt.Errorf("lra: nil record")
	}
	if rec.Version > RecordVersion {
		return nil, fmt.Errorf("lra: record %s has unsupported version %d", rec.UID, rec.Version)
	}
	if rec.ID == "" || rec.UID == "" {
		return nil, fmt.Errorf("lra: record missing id")
	}
	if _, err := ParseStatus(string(rec.Status)); err != nil {
		return nil, err
	}
	a := &Action{
		deps:       deps,
		id:         rec.ID,
		uid:        rec.UID,
		clientID:   rec.ClientID,
		parentID:   rec.ParentID,
		status:     rec.Status,
		startedAt:  fromUnixMilli(rec.StartedAt),
		finishedAt: fromUnixMilli(rec.FinishedAt),
		deadline:   fromUnixMilli(rec.Deadline),
		recovering: true,
		etag:       etag,
	}
	for _, pr := range rec.Participants {
		a.participants = append(a.participants, &Participant{
			ID:         pr.ID,
			Endpoint:   pr.Endpoint,
			Endpoints:  pr.Endpoints,
			RecoveryID: pr.RecoveryID,
			Data:       append([]byte(nil), pr.Data...),
			TimeLimit:  time.Duration(pr.TimeLimitMS) * time.Millisecond,
			Status:     pr.Status,
			Attempts:   pr.Attempts,
			Listener:   pr.Listener,
			Notified:   pr.Notified,
			Nested:     pr.Nested,
			EnlistedAt: fromUnixMilli(pr.EnlistedAt),
		})
	}
	return a, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
