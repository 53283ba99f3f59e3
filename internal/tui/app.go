// internal/tui/app.go
//
// This is the terminal interface for the collector.
// It uses bubbletea, which follows The Elm Architecture:
//
// 1. Model: the latest engine snapshot plus local UI state
// 2. Update: messages from the keyboard, the engine and finished actions
// 3. View: renders the stage, the pickers, the map and the logbook
//
// The engine owns the workflow. The App only renders snapshots and turns
// key presses into engine operations run as tea.Cmds.

package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/coleta/internal/collect"
	"github.com/kingrea/coleta/internal/logbook"
	"github.com/kingrea/coleta/internal/workflow"
	"github.com/kingrea/coleta/internal/workflow/engine"
)

const logTailLines = 4

// Engine is the part of the workflow engine the App drives.
type Engine interface {
	Snapshot() engine.Snapshot
	Subscribe() engine.Subscription
	ReloadJobs(ctx context.Context) error
	ReloadCooperatives(ctx context.Context) error
	AcceptJob(ctx context.Context, job collect.Job) error
	ConfirmPickup(ctx context.Context) error
	SelectCooperative(ctx context.Context, coop collect.Cooperative) error
	CompleteDelivery(ctx context.Context) error
	Cancel(ctx context.Context) error
	Reset(ctx context.Context) error
}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithLogbook shows the tail of lb in the footer.
func WithLogbook(lb *logbook.Logbook) AppOption {
	return func(a *App) {
		a.logbook = lb
	}
}

// WithContext sets the parent context of engine operations.
func WithContext(ctx context.Context) AppOption {
	return func(a *App) {
		if ctx != nil {
			a.ctx = ctx
		}
	}
}

type snapshotMsg struct {
	snap engine.Snapshot
	ok   bool
}

type actionDoneMsg struct {
	action string
	err    error
}

// App is the main application model.
type App struct {
	ctx     context.Context
	engine  Engine
	surface *MapSurface
	logbook *logbook.Logbook
	sub     engine.Subscription

	snap      engine.Snapshot
	jobList   list.Model
	coopList  list.Model
	busy      string
	statusMsg string

	width  int
	height int
}

// NewApp creates an App that renders eng and draws routes on surface.
func NewApp(eng Engine, surface *MapSurface, opts ...AppOption) (*App, error) {
	if eng == nil {
		return nil, fmt.Errorf("tui: engine is required")
	}
	if surface == nil {
		return nil, fmt.Errorf("tui: map surface is required")
	}
	jobList := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	jobList.Title = "Available pickups"
	jobList.SetShowStatusBar(false)
	jobList.SetFilteringEnabled(false)
	coopList := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	coopList.Title = "Cooperatives"
	coopList.SetShowStatusBar(false)
	coopList.SetFilteringEnabled(false)

	app := &App{
		ctx:      context.Background(),
		engine:   eng,
		surface:  surface,
		jobList:  jobList,
		coopList: coopList,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	app.applySnapshot(eng.Snapshot())
	return app, nil
}

// Init subscribes to engine snapshots.
func (a *App) Init() tea.Cmd {
	a.sub = a.engine.Subscribe()
	return waitForSnapshot(a.sub)
}

func waitForSnapshot(sub engine.Subscription) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-sub.Snapshots
		return snapshotMsg{snap: snap, ok: ok}
	}
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.surface.Resize(msg.Width, msg.Height)
		w, h := a.listSize()
		a.jobList.SetSize(w, h)
		a.coopList.SetSize(w, h)
		return a, nil

	case snapshotMsg:
		if !msg.ok {
			return a, tea.Quit
		}
		a.applySnapshot(msg.snap)
		return a, waitForSnapshot(a.sub)

	case actionDoneMsg:
		a.busy = ""
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
		} else {
			a.statusMsg = ""
		}
		a.applySnapshot(a.engine.Snapshot())
		return a, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			a.sub.Close()
			return a, tea.Quit
		case "r":
			return a.run("reload", func(ctx context.Context) error {
				if err := a.engine.ReloadJobs(ctx); err != nil {
					return err
				}
				return a.engine.ReloadCooperatives(ctx)
			})
		case "x":
			if a.snap.Stage.Cancellable() {
				return a.run("cancel", a.engine.Cancel)
			}
			return a, nil
		case "enter":
			return a.advance()
		}
	}

	var cmd tea.Cmd
	switch a.snap.Stage {
	case workflow.StageList:
		a.jobList, cmd = a.jobList.Update(msg)
	case workflow.StageSelectCooperative:
		a.coopList, cmd = a.coopList.Update(msg)
	}
	return a, cmd
}

// advance runs the forward operation of the current stage.
func (a *App) advance() (tea.Model, tea.Cmd) {
	switch a.snap.Stage {
	case workflow.StageList:
		item, ok := a.jobList.SelectedItem().(jobItem)
		if !ok {
			return a, nil
		}
		job := item.job
		return a.run("accept", func(ctx context.Context) error {
			return a.engine.AcceptJob(ctx, job)
		})
	case workflow.StageRouteToProducer:
		return a.run("confirm pickup", a.engine.ConfirmPickup)
	case workflow.StageSelectCooperative:
		item, ok := a.coopList.SelectedItem().(coopItem)
		if !ok {
			return a, nil
		}
		coop := item.coop
		return a.run("select cooperative", func(ctx context.Context) error {
			return a.engine.SelectCooperative(ctx, coop)
		})
	case workflow.StageRouteToCooperative:
		return a.run("complete delivery", a.engine.CompleteDelivery)
	case workflow.StageSuccess:
		return a.run("reset", a.engine.Reset)
	}
	return a, nil
}

// run executes an engine operation off the update loop. Only one runs at a
// time; keys pressed meanwhile are ignored.
func (a *App) run(action string, op func(ctx context.Context) error) (tea.Model, tea.Cmd) {
	if a.busy != "" {
		return a, nil
	}
	a.busy = action
	a.statusMsg = action + "..."
	ctx := a.ctx
	return a, func() tea.Msg {
		return actionDoneMsg{action: action, err: op(ctx)}
	}
}

func (a *App) applySnapshot(snap engine.Snapshot) {
	jobsChanged := !sameJobs(a.snap.Jobs, snap.Jobs)
	coopsChanged := !sameCooperatives(a.snap.Cooperatives, snap.Cooperatives)
	a.snap = snap
	if jobsChanged {
		items := make([]list.Item, len(snap.Jobs))
		for i, job := range snap.Jobs {
			items[i] = jobItem{job: job}
		}
		a.jobList.SetItems(items)
	}
	if coopsChanged {
		items := make([]list.Item, len(snap.Cooperatives))
		for i, coop := range snap.Cooperatives {
			items[i] = coopItem{coop: coop}
		}
		a.coopList.SetItems(items)
	}
}

func (a *App) listSize() (int, int) {
	return max(0, a.leftWidth()-4), max(0, a.height-16)
}

func (a *App) leftWidth() int {
	if a.width < 80 {
		return a.width
	}
	return a.width / 2
}

// View renders the App.
func (a *App) View() string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#4CAF50")).
		MarginBottom(1).
		Render("♻ COLETA")
	leftWidth := a.leftWidth()
	rightWidth := a.width - leftWidth - 2
	left := lipgloss.JoinVertical(lipgloss.Left,
		a.renderStagePanel(leftWidth-4),
		"",
		a.renderMainArea(leftWidth-4),
	)
	leftBox := panelStyle.Width(max(20, leftWidth)).Render(left)
	body := leftBox
	if a.width >= 80 && rightWidth > 10 {
		rightBox := panelStyle.Width(max(20, rightWidth)).Render(a.renderMapPanel(rightWidth-4, max(6, a.height-14)))
		body = lipgloss.JoinHorizontal(lipgloss.Top, leftBox, rightBox)
	}
	sections := []string{header, body}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.footerText())
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) footerText() string {
	parts := []string{}
	if a.statusMsg != "" {
		parts = append(parts, a.statusMsg)
	}
	parts = append(parts, keyHints(a.snap.Stage))
	return strings.Join(parts, " · ")
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines, _ := a.logbook.Tail(logTailLines)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s", fileName))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return panelStyle.Render(fmt.Sprintf("%s\n%s", head, body))
}

func sameJobs(a, b []collect.Job) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Status != b[i].Status {
			return false
		}
	}
	return true
}

func sameCooperatives(a, b []collect.Cooperative) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}
