// internal/workflow/workflow.go
//
// Defines the collector workflow stages and the edges between them.
// The engine in internal/workflow/engine is the only writer of a stage.

package workflow

import (
	"fmt"
	"strings"
)

// Stage is the collector's position in the fulfillment workflow.
type Stage string

const (
	StageList                 Stage = "LIST"
	StageRouteToProducer      Stage = "ROUTE_TO_PRODUCER"
	StageSelectCooperative    Stage = "SELECT_COOPERATIVE"
	StageRouteToCooperative   Stage = "ROUTE_TO_COOPERATIVE"
	StageAwaitingConfirmation Stage = "AWAITING_CONFIRMATION"
	StageSuccess              Stage = "SUCCESS"
)

// Stages lists every stage in forward order.
var Stages = []Stage{
	StageList,
	StageRouteToProducer,
	StageSelectCooperative,
	StageRouteToCooperative,
	StageAwaitingConfirmation,
	StageSuccess,
}

// Action names a workflow edge.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionConfirm  Action = "confirm"
	ActionSelect   Action = "select"
	ActionComplete Action = "complete"
	ActionConclude Action = "conclude"
	ActionCancel   Action = "cancel"
	ActionReset    Action = "reset"
)

type edge struct {
	from   Stage
	action Action
}

var transitions = map[edge]Stage{
	{StageList, ActionAccept}:                   StageRouteToProducer,
	{StageRouteToProducer, ActionConfirm}:       StageSelectCooperative,
	{StageSelectCooperative, ActionSelect}:      StageRouteToCooperative,
	{StageRouteToCooperative, ActionComplete}:   StageAwaitingConfirmation,
	{StageAwaitingConfirmation, ActionConclude}: StageSuccess,
	{StageRouteToProducer, ActionCancel}:        StageList,
	{StageSelectCooperative, ActionCancel}:      StageList,
	{StageRouteToCooperative, ActionCancel}:     StageList,
	{StageAwaitingConfirmation, ActionCancel}:   StageList,
	{StageSuccess, ActionReset}:                 StageList,
}

// Next returns the stage reached by taking action from s.
func Next(s Stage, action Action) (Stage, bool) {
	to, ok := transitions[edge{s, action}]
	return to, ok
}

// CanTransition reports whether action is allowed from s.
func CanTransition(s Stage, action Action) bool {
	_, ok := Next(s, action)
	return ok
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, known := range Stages {
		if s == known {
			return true
		}
	}
	return false
}

// Cancellable reports whether the cancel edge leaves s.
func (s Stage) Cancellable() bool {
	return CanTransition(s, ActionCancel)
}

// Routing reports whether a route is drawn while in s.
func (s Stage) Routing() bool {
	return s == StageRouteToProducer || s == StageRouteToCooperative
}

// FriendlyName is the label shown to the collector.
func (s Stage) FriendlyName() string {
	switch s {
	case StageList:
		return "Available pickups"
	case StageRouteToProducer:
		return "Heading to producer"
	case StageSelectCooperative:
		return "Choose a cooperative"
	case StageRouteToCooperative:
		return "Heading to cooperative"
	case StageAwaitingConfirmation:
		return "Waiting for the cooperative"
	case StageSuccess:
		return "Delivery confirmed"
	default:
		return strings.ToLower(strings.ReplaceAll(string(s), "_", " "))
	}
}

// ParseStage accepts a stage name in any case.
func ParseStage(value string) (Stage, error) {
	s := Stage(strings.ToUpper(strings.TrimSpace(value)))
	if !s.Valid() {
		return "", fmt.Errorf("workflow: unknown stage %q", value)
	}
	return s, nil
}
