package models

import (
	"encoding/json"
	"time"
)

// RequestKind is the direction of a tracked vault request.
type RequestKind string

const (
	KindDeposit  RequestKind = "deposit"
	KindWithdraw RequestKind = "withdraw"
)

// RequestOrigin tells who a tracked entry belongs to: "user" entries mirror a
// transaction submitted in this session, "backend" entries follow the
// executor's settlement batch for a request id.
type RequestOrigin string

const (
	OriginUser    RequestOrigin = "user"
	OriginBackend RequestOrigin = "backend"
)

// RequestStatus is the single mutable field of a TrackedRequest. Progression
// follows a total order; canceled/failed are absorbing and reachable from any
// non-terminal state.
type RequestStatus string

const (
	StatusIdle      RequestStatus = "idle"
	StatusPending   RequestStatus = "pending"
	StatusSubmitted RequestStatus = "submitted"
	StatusSettling  RequestStatus = "settling"
	StatusSettled   RequestStatus = "settled"
	StatusCanceled  RequestStatus = "canceled"
	StatusFailed    RequestStatus = "failed"
)

var statusRanks = map[RequestStatus]int{
	StatusIdle:      0,
	StatusPending:   1,
	StatusSubmitted: 2,
	StatusSettling:  3,
	StatusSettled:   4,
	StatusCanceled:  5,
	StatusFailed:    6,
}

// Rank returns the position of the status in the progression order.
// Unknown statuses rank below idle so they can never win a transition.
func (s RequestStatus) Rank() int {
	if r, ok := statusRanks[s]; ok {
		return r
	}
	return -1
}

// IsTerminal reports whether the status absorbs all further transitions.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusSettled || s == StatusCanceled || s == StatusFailed
}

// TrackedRequest is one unit the ledger manages. The JSON layout is the
// persisted wire format: a flat array of these, in creation order, is the
// value stored under the tx-queue key.
type TrackedRequest struct {
	ID         string        `json:"id"`
	Kind       RequestKind   `json:"kind"`
	Origin     RequestOrigin `json:"origin"`
	Amount     string        `json:"amount"`
	Hash       string        `json:"hash,omitempty"`
	Status     RequestStatus `json:"status"`
	Timestamp  int64         `json:"timestamp"`
	RequestID  string        `json:"requestId,omitempty"`
	Controller string        `json:"controller,omitempty"`
}

// TransitionRecord is emitted exactly once per accepted status transition.
// Delivery (log, metrics, push, NATS) is the subscriber's concern.
type TransitionRecord struct {
	EntryID    string        `json:"entry_id"`
	Kind       RequestKind   `json:"kind"`
	Origin     RequestOrigin `json:"origin"`
	Amount     string        `json:"amount"`
	OldStatus  RequestStatus `json:"old_status"`
	NewStatus  RequestStatus `json:"new_status"`
	Hash       string        `json:"hash,omitempty"`
	RequestID  string        `json:"request_id,omitempty"`
	Controller string        `json:"controller,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// EncodeQueue serializes entries into the persisted tx-queue value.
func EncodeQueue(entries []*TrackedRequest) ([]byte, error) {
	if entries == nil {
		entries = []*TrackedRequest{}
	}
	return json.Marshal(entries)
}

// DecodeQueue restores entries from the persisted tx-queue value.
func DecodeQueue(raw []byte) ([]*TrackedRequest, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []*TrackedRequest
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
