package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/berfenger/autarco2mqtt/pkg/autarco"
)

var (
	// ErrNotReady is returned while no refresh has ever succeeded.
	ErrNotReady = errors.New("coordinator: no data available yet")
	// ErrStale is returned when the last good snapshot is older than allowed.
	ErrStale = errors.New("coordinator: data is stale")
)

// Snapshot is the result of one successful refresh. It is never modified
// after it has been stored.
type Snapshot struct {
	Solar     autarco.Solar               `json:"solar"`
	Account   *autarco.Account            `json:"account,omitempty"`
	Inverters map[string]autarco.Inverter `json:"inverters,omitempty"`
	FetchedAt time.Time                   `json:"fetched_at"`
}

type State int

const (
	StateUninitialized State = iota
	StateRefreshing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRefreshing:
		return "refreshing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Status struct {
	State               State
	ConsecutiveFailures uint
	TotalFailures       uint
	CoalescedTicks      uint
	LastSuccess         time.Time
	LastAttempt         time.Time
	LastError           error
	Stale               bool
}

// Err tells readers whether the data can be trusted.
func (s Status) Err() error {
	if s.LastSuccess.IsZero() {
		return ErrNotReady
	}
	if s.Stale {
		return ErrStale
	}
	return nil
}

func (s Status) MarshalJSON() ([]byte, error) {
	type view struct {
		State               State      `json:"state"`
		ConsecutiveFailures uint       `json:"consecutive_failures"`
		TotalFailures       uint       `json:"total_failures"`
		CoalescedTicks      uint       `json:"coalesced_ticks"`
		LastSuccess         *time.Time `json:"last_success,omitempty"`
		LastAttempt         *time.Time `json:"last_attempt,omitempty"`
		LastError           string     `json:"last_error,omitempty"`
		Stale               bool       `json:"stale"`
	}
	v := view{
		State:               s.State,
		ConsecutiveFailures: s.ConsecutiveFailures,
		TotalFailures:       s.TotalFailures,
		CoalescedTicks:      s.CoalescedTicks,
		Stale:               s.Stale,
	}
	if !s.LastSuccess.IsZero() {
		v.LastSuccess = &s.LastSuccess
	}
	if !s.LastAttempt.IsZero() {
		v.LastAttempt = &s.LastAttempt
	}
	if s.LastError != nil {
		v.LastError = s.LastError.Error()
	}
	return json.Marshal(v)
}
