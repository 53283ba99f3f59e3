package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/coleta/internal/collect"
	"github.com/kingrea/coleta/internal/workflow/engine"
)

// ProtocolVersion identifies the bridge contract version exposed via /health.
const ProtocolVersion = "1.0.0"

// Action names accepted by POST /actions.
const (
	ActionAccept   = "accept"
	ActionConfirm  = "confirm"
	ActionSelect   = "select"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
	ActionReset    = "reset"
	ActionReload   = "reload"
)

var (
	errUnknownJob         = errors.New("job is not in the available list")
	errUnknownCooperative = errors.New("cooperative is not in the loaded list")
)

// Request is the body of POST /actions.
type Request struct {
	Action        string `json:"action"`
	JobID         int64  `json:"job_id,omitempty"`
	CooperativeID int64  `json:"cooperative_id,omitempty"`
}

// Normalize applies canonical formatting before validation.
func (r *Request) Normalize() {
	r.Action = strings.ToLower(strings.TrimSpace(r.Action))
}

// Validate enforces the fields each action needs.
func (r Request) Validate() error {
	switch r.Action {
	case ActionAccept:
		if r.JobID <= 0 {
			return errors.New("job_id is required")
		}
	case ActionSelect:
		if r.CooperativeID <= 0 {
			return errors.New("cooperative_id is required")
		}
	case ActionConfirm, ActionComplete, ActionCancel, ActionReset, ActionReload:
	case "":
		return errors.New("action is required")
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	return nil
}

// Controller is the part of the workflow engine the bridge drives.
type Controller interface {
	Snapshot() engine.Snapshot
	ReloadJobs(ctx context.Context) error
	ReloadCooperatives(ctx context.Context) error
	AcceptJob(ctx context.Context, job collect.Job) error
	ConfirmPickup(ctx context.Context) error
	SelectCooperative(ctx context.Context, coop collect.Cooperative) error
	CompleteDelivery(ctx context.Context) error
	Cancel(ctx context.Context) error
	Reset(ctx context.Context) error
}

// dispatch runs req against c. Jobs and cooperatives are looked up in the
// current snapshot so callers only send ids.
func dispatch(ctx context.Context, c Controller, req Request) error {
	switch req.Action {
	case ActionAccept:
		for _, job := range c.Snapshot().Jobs {
			if job.ID == req.JobID {
				return c.AcceptJob(ctx, job)
			}
		}
		return fmt.Errorf("%w: %d", errUnknownJob, req.JobID)
	case ActionConfirm:
		return c.ConfirmPickup(ctx)
	case ActionSelect:
		for _, coop := range c.Snapshot().Cooperatives {
			if coop.ID == req.CooperativeID {
				return c.SelectCooperative(ctx, coop)
			}
		}
		return fmt.Errorf("%w: %d", errUnknownCooperative, req.CooperativeID)
	case ActionComplete:
		return c.CompleteDelivery(ctx)
	case ActionCancel:
		return c.Cancel(ctx)
	case ActionReset:
		return c.Reset(ctx)
	case ActionReload:
		if err := c.ReloadJobs(ctx); err != nil {
			return err
		}
		return c.ReloadCooperatives(ctx)
	}
	return fmt.Errorf("unknown action %q", req.Action)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Stage         string `json:"stage"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type actionResponse struct {
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	ServerTime time.Time       `json:"server_time"`
	Snapshot   engine.Snapshot `json:"snapshot"`
}
