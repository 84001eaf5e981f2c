package coordinator

import (
	"errors"
	"net/http"
	"strings"

	"pkt.systems/lra/internal/lra"
)

// Failure classes. Every error returned by Service wraps exactly one of them.
var (
	ErrNotFound           = errors.New("lra not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrBadRequest         = errors.New("bad request")
	ErrInternal           = errors.New("internal error")
)

// Failure describes a rejected coordinator operation.
type Failure struct {
	Code   error
	Op     string
	LRAID  string
	Status lra.Status
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString("coordinator: ")
	b.WriteString(f.Op)
	if f.LRAID != "" {
		b.WriteString(" ")
		b.WriteString(f.LRAID)
	}
	b.WriteString(": ")
	b.WriteString(f.Code.Error())
	if f.Status != "" {
		b.WriteString(" (status ")
		b.WriteString(string(f.Status))
		b.WriteString(")")
	}
	if f.Detail != "" {
		b.WriteString(": ")
		b.WriteString(f.Detail)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Code}
	}
	return []error{f.Code, f.Err}
}

func fail(code error, op, id string, status lra.Status, detail string, err error) *Failure {
	return &Failure{Code: code, Op: op, LRAID: id, Status: status, Detail: detail, Err: err}
}

// StatusCode maps err onto the HTTP status a transport should answer with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
