package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/coleta/internal/collect"
	"github.com/kingrea/coleta/internal/workflow"
)

var (
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
	stageStyleActive  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	stageStyleWaiting = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	stageStyleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	errorTextStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	warnTextStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

type jobItem struct {
	job collect.Job
}

func (i jobItem) Title() string { return i.job.Label() }

func (i jobItem) Description() string {
	parts := []string{}
	if addr := i.job.Producer.Address.String(); addr != "" {
		parts = append(parts, addr)
	}
	if i.job.ItemCount > 0 {
		parts = append(parts, fmt.Sprintf("%d items", i.job.ItemCount))
	}
	if len(parts) == 0 {
		return "no address"
	}
	return strings.Join(parts, " · ")
}

func (i jobItem) FilterValue() string { return i.job.Label() }

type coopItem struct {
	coop collect.Cooperative
}

func (i coopItem) Title() string { return i.coop.Name }

func (i coopItem) Description() string {
	parts := []string{}
	if addr := i.coop.Address.String(); addr != "" {
		parts = append(parts, addr)
	}
	if len(i.coop.Interests) > 0 {
		cats := make([]string, 0, len(i.coop.Interests))
		for _, interest := range i.coop.Interests {
			cats = append(cats, interest.Category)
		}
		parts = append(parts, strings.Join(cats, ", "))
	}
	return strings.Join(parts, " · ")
}

func (i coopItem) FilterValue() string { return i.coop.Name }

func stageStyle(s workflow.Stage) lipgloss.Style {
	switch s {
	case workflow.StageAwaitingConfirmation:
		return stageStyleWaiting
	case workflow.StageSuccess:
		return stageStyleDone
	default:
		return stageStyleActive
	}
}

func stagePosition(s workflow.Stage) int {
	for i, known := range workflow.Stages {
		if known == s {
			return i
		}
	}
	return 0
}

func (a *App) renderStagePanel(width int) string {
	snap := a.snap
	stage := snap.Stage
	line := stageStyle(stage).Render(fmt.Sprintf("%s (%d/%d)", stage.FriendlyName(), stagePosition(stage)+1, len(workflow.Stages)))
	lines := []string{line}
	if snap.Job != nil {
		lines = append(lines, detailTextStyle.Render("Job: "+snap.Job.Label()))
	}
	if snap.Cooperative != nil {
		lines = append(lines, detailTextStyle.Render("Cooperative: "+snap.Cooperative.Name))
	}
	if stage.Routing() {
		text := snap.RouteText
		if text == "" {
			text = "Computing route..."
		}
		lines = append(lines, detailTextStyle.Render("Route: "+text))
	}
	if snap.LastError != "" {
		lines = append(lines, errorTextStyle.Render(snap.LastError))
	}
	for _, w := range snap.Warnings {
		lines = append(lines, warnTextStyle.Render("! "+w))
	}
	return lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(lines, "\n"))
}

func (a *App) renderMainArea(width int) string {
	snap := a.snap
	var content string
	switch snap.Stage {
	case workflow.StageList:
		if len(snap.Jobs) == 0 {
			content = detailTextStyle.Render("No pickups available. Press r to reload.")
		} else {
			content = a.jobList.View()
		}
	case workflow.StageSelectCooperative:
		if len(snap.Cooperatives) == 0 {
			content = detailTextStyle.Render("No cooperatives loaded. Press r to reload.")
		} else {
			content = a.coopList.View()
		}
	case workflow.StageRouteToProducer:
		content = a.renderJobDetail()
	case workflow.StageRouteToCooperative:
		content = a.renderCooperativeDetail()
	case workflow.StageAwaitingConfirmation:
		content = detailTextStyle.Render("Delivery reported. Waiting for the cooperative to confirm receipt.")
	case workflow.StageSuccess:
		content = stageStyleDone.Render("The cooperative confirmed the delivery.")
	}
	return lipgloss.NewStyle().Width(max(20, width)).Render(content)
}

func (a *App) renderJobDetail() string {
	job := a.snap.Job
	if job == nil {
		return ""
	}
	lines := []string{stageStyleActive.Render(job.Producer.Name)}
	if addr := job.Producer.Address.String(); addr != "" {
		lines = append(lines, addr)
	}
	for _, item := range job.Items {
		qty := fmt.Sprintf("%g", item.Quantity)
		if item.Unit != "" {
			qty += " " + item.Unit
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", item.Category, qty))
	}
	if job.Notes != "" {
		lines = append(lines, detailTextStyle.Render(job.Notes))
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderCooperativeDetail() string {
	coop := a.snap.Cooperative
	if coop == nil {
		return ""
	}
	lines := []string{stageStyleActive.Render(coop.Name)}
	if addr := coop.Address.String(); addr != "" {
		lines = append(lines, addr)
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderMapPanel(width, height int) string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render("MAP")
	if markers, paths := a.surface.Layers(); markers == 0 && paths == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, detailTextStyle.Render("No route."))
	}
	legend := detailTextStyle.Render("◉ origin  ⚑ destination")
	return lipgloss.JoinVertical(lipgloss.Left, title, a.surface.Render(width, height-2), legend)
}

func keyHints(s workflow.Stage) string {
	switch s {
	case workflow.StageList:
		return "enter: accept · r: reload · q: quit"
	case workflow.StageRouteToProducer:
		return "enter: confirm pickup · x: cancel · q: quit"
	case workflow.StageSelectCooperative:
		return "enter: select cooperative · x: cancel · q: quit"
	case workflow.StageRouteToCooperative:
		return "enter: delivered · x: cancel · q: quit"
	case workflow.StageAwaitingConfirmation:
		return "x: cancel · q: quit"
	case workflow.StageSuccess:
		return "enter: new pickup · q: quit"
	}
	return "q: quit"
}
