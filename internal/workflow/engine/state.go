package engine

import (
	"time"

	"github.com/kingrea/coleta/internal/collect"
	"github.com/kingrea/coleta/internal/geo"
	"github.com/kingrea/coleta/internal/route"
	"github.com/kingrea/coleta/internal/workflow"
)

const maxWarnings = 10

// Snapshot is the read model exposed to display layers.
type Snapshot struct {
	RunID        string                `json:"run_id"`
	Stage        workflow.Stage        `json:"stage"`
	Job          *collect.Job          `json:"job,omitempty"`
	Cooperative  *collect.Cooperative  `json:"cooperative,omitempty"`
	Origin       *geo.Point            `json:"origin,omitempty"`
	Destination  *geo.Point            `json:"destination,omitempty"`
	Route        *route.Summary        `json:"route,omitempty"`
	RoutePath    []geo.Point           `json:"route_path,omitempty"`
	RouteText    string                `json:"route_text,omitempty"`
	Jobs         []collect.Job         `json:"jobs"`
	Cooperatives []collect.Cooperative `json:"cooperatives"`
	LastError    string                `json:"last_error,omitempty"`
	Warnings     []string              `json:"warnings,omitempty"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// Record is the persisted part of a snapshot, enough to resume a run.
type Record struct {
	RunID       string               `json:"run_id"`
	Stage       workflow.Stage       `json:"stage"`
	Job         *collect.Job         `json:"job,omitempty"`
	Cooperative *collect.Cooperative `json:"cooperative,omitempty"`
	Origin      *geo.Point           `json:"origin,omitempty"`
	Destination *geo.Point           `json:"destination,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func (s Snapshot) record() Record {
	return Record{
		RunID:       s.RunID,
		Stage:       s.Stage,
		Job:         cloneJob(s.Job),
		Cooperative: cloneCooperative(s.Cooperative),
		Origin:      clonePoint(s.Origin),
		Destination: clonePoint(s.Destination),
		UpdatedAt:   s.UpdatedAt,
	}
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Job = cloneJob(s.Job)
	out.Cooperative = cloneCooperative(s.Cooperative)
	out.Origin = clonePoint(s.Origin)
	out.Destination = clonePoint(s.Destination)
	if s.Route != nil {
		summary := *s.Route
		out.Route = &summary
	}
	out.RoutePath = append([]geo.Point(nil), s.RoutePath...)
	out.Jobs = append([]collect.Job(nil), s.Jobs...)
	out.Cooperatives = append([]collect.Cooperative(nil), s.Cooperatives...)
	out.Warnings = append([]string(nil), s.Warnings...)
	return out
}

// clearRoute drops every route-derived field.
func (s *Snapshot) clearRoute() {
	s.Route = nil
	s.RoutePath = nil
	s.RouteText = ""
}

// clearSelection returns the snapshot to the job list.
func (s *Snapshot) clearSelection() {
	s.Job = nil
	s.Cooperative = nil
	s.Origin = nil
	s.Destination = nil
	s.clearRoute()
}

func (s *Snapshot) warn(msg string) {
	s.Warnings = append(s.Warnings, msg)
	if len(s.Warnings) > maxWarnings {
		s.Warnings = s.Warnings[len(s.Warnings)-maxWarnings:]
	}
}

func cloneJob(j *collect.Job) *collect.Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Items = append([]collect.Item(nil), j.Items...)
	return &out
}

func cloneCooperative(c *collect.Cooperative) *collect.Cooperative {
	if c == nil {
		return nil
	}
	out := *c
	out.Interests = append([]collect.Interest(nil), c.Interests...)
	return &out
}

func clonePoint(p *geo.Point) *geo.Point {
	if p == nil {
		return nil
	}
	return p.Ptr()
}

func withoutJob(jobs []collect.Job, id int64) []collect.Job {
	out := make([]collect.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.ID != id {
			out = append(out, j)
		}
	}
	return out
}
