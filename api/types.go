package api

import "encoding/json"

// LRAData describes a long running action as returned by the list and get
// endpoints.
type LRAData struct {
	// LRAID is the canonical action id, a URL under the coordinator namespace.
	LRAID string `json:"lraId"`
	// ClientID is the caller supplied label given at start.
	ClientID string `json:"clientId,omitempty"`
	// ParentLRA is set for nested actions.
	ParentLRA string `json:"parentLraId,omitempty"`
	// Status is the action status, e.g. Active, Closing or FailedToCancel.
	Status string `json:"status"`
	// TopLevel reports whether the action has no parent.
	TopLevel bool `json:"topLevel"`
	// Recovering is set while the recovery engine still owns the action.
	Recovering bool `json:"recovering"`
	// StartTime is the start time in Unix milliseconds.
	StartTime int64 `json:"startTime"`
	// FinishTime is the time the action reached a final status in Unix milliseconds.
	FinishTime int64 `json:"finishTime,omitempty"`
	// TimeLimit is the absolute deadline in Unix milliseconds, zero when unbounded.
	TimeLimit int64 `json:"timeLimit,omitempty"`
	// Participants is the number of enlisted participants.
	Participants int `json:"participants"`
}

// JoinRequest is the JSON form of a join body. Plain text bodies carry only
// the compensator URL.
type JoinRequest struct {
	// Compensator is the participant base URL.
	Compensator string `json:"compensator,omitempty"`
	// Link is an RFC 8288 link header naming the participant endpoints. It
	// takes precedence over Compensator.
	Link string `json:"link,omitempty"`
	// Data is opaque participant data handed back on completion.
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	// ErrorCode is the stable error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// LRAID names the action the failed operation addressed.
	LRAID string `json:"lra_id,omitempty"`
	// Status is the action status at the time of the failure.
	Status string `json:"status,omitempty"`
}
