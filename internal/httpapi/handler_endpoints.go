package httpapi

import (
	"errors"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/lra/api"
	"pkt.systems/lra/internal/coordinator"
	"pkt.systems/lra/internal/jsonutil"
	"pkt.systems/lra/internal/loggingutil"
	"pkt.systems/lra/internal/lra"
)

// handleList answers GET /lra-coordinator?Status=.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) error {
	var status lra.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("Status")); raw != "" {
		parsed, err := lra.ParseStatus(raw)
		if err != nil {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_status", Detail: err.Error()}
		}
		status = parsed
	}
	h.writeJSON(w, http.StatusOK, toAPIList(h.svc.ListAll(status)), nil)
	return nil
}

// handleRecoveryList answers GET /lra-coordinator/recovery?scan=. A scan is
// run unless scan=false.
func (h *Handler) handleRecoveryList(w http.ResponseWriter, r *http.Request) error {
	scan := true
	if raw := strings.TrimSpace(r.URL.Query().Get("scan")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_scan", Detail: "scan must be a boolean"}
		}
		scan = parsed
	}
	data, err := h.svc.ImportRecovering(r.Context(), scan)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, toAPIList(data), nil)
	return nil
}

func (h *Handler) handleFailed(w http.ResponseWriter, r *http.Request) error {
	data, err := h.svc.ListFailed(r.Context())
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, toAPIList(data), nil)
	return nil
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) error {
	data, err := h.svc.GetLRA(h.lraID(r))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, toAPI(data), nil)
	return nil
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	data, err := h.svc.GetLRA(h.lraID(r))
	if err != nil {
		return err
	}
	h.writeText(w, http.StatusOK, string(data.Status), nil)
	return nil
}

// handleStart answers POST /lra-coordinator/start. The new id is returned in
// the body and in the Location and Long-Running-Action headers.
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	limit, err := parseTimeLimit(q.Get("TimeLimit"))
	if err != nil {
		return err
	}
	req := coordinator.StartRequest{
		ParentID:  strings.TrimSpace(q.Get("ParentLRA")),
		ClientID:  q.Get("ClientID"),
		TimeLimit: limit,
	}
	if h.svc.BaseURL() == "" {
		req.BaseURL = h.requestBase(r)
	}
	id, err := h.svc.StartLRA(r.Context(), req)
	if err != nil {
		return err
	}
	loggingutil.FromContext(r.Context(), h.logger).Debug("lra.start.ok", "lra_id", id, "client_id", req.ClientID)
	h.writeText(w, http.StatusCreated, id, map[string]string{
		"Location": id,
		headerLRA:  id,
	})
	return nil
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) error {
	raw := r.URL.Query().Get("TimeLimit")
	if strings.TrimSpace(raw) == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_time_limit", Detail: "TimeLimit required"}
	}
	limit, err := parseTimeLimit(raw)
	if err != nil {
		return err
	}
	id := h.lraID(r)
	if err := h.svc.RenewTimeLimit(r.Context(), id, limit); err != nil {
		return err
	}
	h.writeText(w, http.StatusOK, "", nil)
	return nil
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) error {
	return h.end(w, r, false)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) error {
	return h.end(w, r, true)
}

func (h *Handler) end(w http.ResponseWriter, r *http.Request, compensate bool) error {
	data, err := h.svc.EndLRA(r.Context(), h.lraID(r), compensate, false)
	if err != nil {
		return err
	}
	h.writeText(w, http.StatusOK, string(data.Status), nil)
	return nil
}

// handleJoin answers PUT /lra-coordinator/{id}. The participant is named by
// a Link header, a plain text compensator URL or a JSON api.JoinRequest.
// With a Link header a plain text body is kept as participant data.
func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) error {
	limit, err := parseTimeLimit(r.URL.Query().Get("TimeLimit"))
	if err != nil {
		return err
	}
	req := coordinator.JoinRequest{
		LRAID:      h.lraID(r),
		TimeLimit:  limit,
		LinkHeader: strings.TrimSpace(strings.Join(r.Header.Values(headerLink), ", ")),
	}
	if h.svc.RecoveryBase() == "" {
		req.RecoveryBase = h.requestBase(r) + "/recovery"
	}
	if isJSON(r) {
		var body api.JoinRequest
		if _, err := jsonutil.Decode(h.compact, r.Body, h.maxBodyBytes, &body); err != nil {
			return bodyError(err)
		}
		req.Endpoint = strings.TrimSpace(body.Compensator)
		if req.LinkHeader == "" {
			req.LinkHeader = strings.TrimSpace(body.Link)
		}
		req.Data = body.Data
	} else {
		body, err := h.readText(r)
		if err != nil {
			return err
		}
		if req.LinkHeader != "" {
			if body != "" {
				req.Data = []byte(body)
			}
		} else {
			req.Endpoint = strings.TrimSpace(body)
		}
	}
	if req.Endpoint == "" && req.LinkHeader == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_participant", Detail: "compensator URL or Link header required"}
	}
	recoveryID, err := h.svc.JoinLRA(r.Context(), req)
	if err != nil {
		return err
	}
	h.writeText(w, http.StatusOK, recoveryID, map[string]string{
		headerRecovery: recoveryID,
		"Location":     recoveryID,
	})
	return nil
}

// handleLeave answers PUT /lra-coordinator/{id}/remove with the participant
// endpoint as body.
func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) error {
	body, err := h.readText(r)
	if err != nil {
		return err
	}
	endpoint := strings.TrimSpace(body)
	if endpoint == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_participant", Detail: "participant endpoint required"}
	}
	if err := h.svc.LeaveLRA(r.Context(), h.lraID(r), endpoint); err != nil {
		return err
	}
	h.writeText(w, http.StatusOK, "", nil)
	return nil
}

// handleRecoveryLookup resolves a recovery id to the compensator endpoint
// currently registered for it.
func (h *Handler) handleRecoveryLookup(w http.ResponseWriter, r *http.Request) error {
	for _, candidate := range h.recoveryIDs(r) {
		if endpoint, ok := h.svc.GetParticipant(candidate); ok {
			h.writeText(w, http.StatusOK, endpoint, nil)
			return nil
		}
	}
	return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: "unknown recovery id"}
}

// handleRecoveryUpdate moves a recovery id to the compensator in the body and
// records the change in the owning action.
func (h *Handler) handleRecoveryUpdate(w http.ResponseWriter, r *http.Request) error {
	body, err := h.readText(r)
	if err != nil {
		return err
	}
	compensator := strings.TrimSpace(body)
	if compensator == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_participant", Detail: "compensator URL required"}
	}
	candidates := h.recoveryIDs(r)
	recoveryID := candidates[0]
	for _, candidate := range candidates {
		if _, ok := h.svc.GetParticipant(candidate); ok {
			recoveryID = candidate
			break
		}
	}
	if err := h.svc.UpdateRecoveryURI(r.Context(), r.PathValue("lra"), compensator, recoveryID, true); err != nil {
		return err
	}
	h.writeText(w, http.StatusOK, compensator, nil)
	return nil
}

// handleRemoveLog deletes the log record of a failed action.
func (h *Handler) handleRemoveLog(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if !h.svc.RemoveTransactionLog(r.Context(), id) {
		return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: "no failed record for " + id, LRAID: id}
	}
	h.writeText(w, http.StatusOK, "", nil)
	return nil
}

// lraID returns the action id named by the path. A bare uid is expanded to
// a full id under the coordinator namespace.
func (h *Handler) lraID(r *http.Request) string {
	id := strings.TrimSpace(r.PathValue("id"))
	if strings.Contains(id, "://") {
		return id
	}
	base := h.svc.BaseURL()
	if base == "" {
		base = h.requestBase(r)
	}
	return base + "/" + id
}

// recoveryIDs returns the ids a recovery path may have been minted as: under
// the configured recovery base and under the base derived from the request.
func (h *Handler) recoveryIDs(r *http.Request) []string {
	suffix := "/" + r.PathValue("lra") + "/" + r.PathValue("rcv")
	var out []string
	if base := h.svc.RecoveryBase(); base != "" {
		out = append(out, base+suffix)
	}
	derived := h.requestBase(r) + "/recovery" + suffix
	if len(out) == 0 || out[0] != derived {
		out = append(out, derived)
	}
	return out
}

// requestBase rebuilds the public coordinator URL from the request.
func (h *Handler) requestBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = strings.ToLower(proto)
	}
	return scheme + "://" + r.Host + h.basePath
}

func (h *Handler) readText(r *http.Request) (string, error) {
	if r.Body == nil {
		return "", nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
	if err != nil {
		return "", httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	if int64(len(raw)) > h.maxBodyBytes {
		return "", httpError{Status: http.StatusBadRequest, Code: "body_too_large", Detail: "body exceeds " + strconv.FormatInt(h.maxBodyBytes, 10) + " bytes"}
	}
	return string(raw), nil
}

func bodyError(err error) error {
	if errors.Is(err, jsonutil.ErrTooLarge) {
		return httpError{Status: http.StatusBadRequest, Code: "body_too_large", Detail: err.Error()}
	}
	return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
}

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// maxTimeLimitMS is the largest millisecond count a time.Duration holds.
const maxTimeLimitMS = math.MaxInt64 / int64(time.Millisecond)

// parseTimeLimit reads a TimeLimit query value in milliseconds. Empty means
// no limit. Negative values are clamped to zero and values past the range of
// time.Duration to its maximum.
func parseTimeLimit(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		var numErr *strconv.NumError
		if !errors.As(err, &numErr) || numErr.Err != strconv.ErrRange {
			return 0, httpError{Status: http.StatusBadRequest, Code: "invalid_time_limit", Detail: "TimeLimit must be an integer number of milliseconds"}
		}
		// ParseInt saturates out of range input to the sign's extreme.
	}
	switch {
	case ms < 0:
		ms = 0
	case ms > maxTimeLimitMS:
		ms = maxTimeLimitMS
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func toAPI(d lra.Data) api.LRAData {
	return api.LRAData{
		LRAID:        d.ID,
		ClientID:     d.ClientID,
		ParentLRA:    d.ParentID,
		Status:       string(d.Status),
		TopLevel:     d.TopLevel,
		Recovering:   d.Recovering,
		StartTime:    unixMilli(d.StartedAt),
		FinishTime:   unixMilli(d.FinishedAt),
		TimeLimit:    unixMilli(d.Deadline),
		Participants: d.Participants,
	}
}

func toAPIList(data []lra.Data) []api.LRAData {
	out := make([]api.LRAData, 0, len(data))
	for _, d := range data {
		out = append(out, toAPI(d))
	}
	return out
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
