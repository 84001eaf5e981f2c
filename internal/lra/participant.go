package lra

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pkt.systems/lra/internal/linkheader"
	"pkt.systems/lra/internal/uuidv7"
)

// ErrInvalidEndpoint reports a participant endpoint or link header that cannot
// be decoded.
var ErrInvalidEndpoint = errors.New("lra: invalid participant endpoint")

// Endpoints are the callbacks a participant exposes.
type Endpoints struct {
	Compensate string `json:"compensate,omitempty"`
	Complete   string `json:"complete,omitempty"`
	After      string `json:"after,omitempty"`
	Forget     string `json:"forget,omitempty"`
	Status     string `json:"status,omitempty"`
	Leave      string `json:"leave,omitempty"`
}

// Participant is a resource enlisted in an action.
type Participant struct {
	ID string
	// Endpoint is the compensator URL or raw link header supplied on join.
	Endpoint   string
	Endpoints  Endpoints
	RecoveryID string
	Data       []byte
	TimeLimit  time.Duration
	Status     ParticipantStatus
	Attempts   int
	// Listener marks an after-only participant. Listeners are told the final
	// outcome but take no part in completion or compensation.
	Listener bool
	// Notified is set once a listener has received the final outcome.
	Notified bool
	// Nested holds the id of a child action enlisted in its parent.
	Nested     string
	EnlistedAt time.Time
}

// CompensatorURI is the endpoint the participant registry maps recovery ids to.
func (p *Participant) CompensatorURI() string {
	if p.Endpoints.Compensate != "" {
		return p.Endpoints.Compensate
	}
	if p.Endpoints.After != "" && p.Listener {
		return p.Endpoints.After
	}
	return p.Endpoint
}

// Matches reports whether endpoint identifies p for leave requests.
func (p *Participant) Matches(endpoint string) bool {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return false
	}
	switch endpoint {
	case p.Endpoint, p.Endpoints.Compensate, p.Endpoints.Complete, p.Endpoints.After:
		return true
	}
	return false
}

// pending reports whether p still owes the coordinator an outcome.
func (p *Participant) pending() bool {
	if p.Listener {
		return !p.Notified
	}
	return !p.Status.Settled()
}

// move points p at a new compensator location, keeping its id, recovery id
// and progress.
func (p *Participant) move(uid, endpoint string) error {
	req := EnlistRequest{RecoveryBase: "move"}
	if trimmed := strings.TrimSpace(endpoint); strings.HasPrefix(trimmed, "<") {
		req.LinkHeader = trimmed
	} else {
		req.Endpoint = trimmed
	}
	decoded, err := newParticipant(uid, req, p.EnlistedAt)
	if err != nil {
		return err
	}
	p.Endpoint = decoded.Endpoint
	p.Endpoints = decoded.Endpoints
	return nil
}

func (p *Participant) clone() *Participant {
	cp := *p
	cp.Data = append([]byte(nil), p.Data...)
	return &cp
}

// EnlistRequest carries a join.
type EnlistRequest struct {
	// Endpoint is the compensator base URL. It is ignored when LinkHeader is set.
	Endpoint     string
	LinkHeader   string
	RecoveryBase string
	TimeLimit    time.Duration
	Data         []byte
	// Nested marks the participant as a child action id.
	Nested string
}

// newParticipant decodes req into a participant belonging to the action uid.
func newParticipant(uid string, req EnlistRequest, now time.Time) (*Participant, error) {
	p := &Participant{
		ID:         uuidv7.NewString(),
		Data:       append([]byte(nil), req.Data...),
		TimeLimit:  req.TimeLimit,
		Status:     ParticipantActive,
		Nested:     req.Nested,
		EnlistedAt: now,
	}
	if p.TimeLimit < 0 {
		p.TimeLimit = 0
	}
	if header := strings.TrimSpace(req.LinkHeader); header != "" {
		links, err := linkheader.Parse(header)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
		}
		p.Endpoint = header
		for _, target := range []struct {
			rel linkheader.Rel
			dst *string
		}{
			{linkheader.RelCompensate, &p.Endpoints.Compensate},
			{linkheader.RelComplete, &p.Endpoints.Complete},
			{linkheader.RelAfter, &p.Endpoints.After},
			{linkheader.RelForget, &p.Endpoints.Forget},
			{linkheader.RelStatus, &p.Endpoints.Status},
			{linkheader.RelLeave, &p.Endpoints.Leave},
		} {
			if uri, ok := links.Target(target.rel); ok {
				if err := checkURL(uri); err != nil {
					return nil, err
				}
				*target.dst = uri
			}
		}
		p.Listener = links.ListenerOnly()
		if p.Endpoints.Compensate == "" && p.Endpoints.Complete == "" && p.Endpoints.After == "" {
			return nil, fmt.Errorf("%w: link header declares no compensate, complete or after relation", ErrInvalidEndpoint)
		}
	} else {
		base := strings.TrimRight(strings.TrimSpace(req.Endpoint), "/")
		if err := checkURL(base); err != nil {
			return nil, err
		}
		p.Endpoint = base
		p.Endpoints.Compensate = base + "/compensate"
		p.Endpoints.Complete = base + "/complete"
	}
	base := strings.TrimRight(strings.TrimSpace(req.RecoveryBase), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: recovery base required", ErrInvalidEndpoint)
	}
	p.RecoveryID = base + "/" + uid + "/" + p.ID
	return p, nil
}

func checkURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty endpoint", ErrInvalidEndpoint)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: %q is not an absolute url", ErrInvalidEndpoint, raw)
	}
	return nil
}
