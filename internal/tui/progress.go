package tui

import (
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/vitaminmoo/pmlog/internal/ota"
)

// ProgressState tracks a firmware transfer.
type ProgressState struct {
	progress    progress.Model
	percent     float64
	description string
	phase       ota.Phase
	isActive    bool
}

// NewProgressState creates a new progress tracking state.
func NewProgressState() ProgressState {
	p := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(40),
	)
	return ProgressState{
		progress: p,
	}
}

// Start begins tracking a new transfer.
func (p *ProgressState) Start(description string) {
	p.isActive = true
	p.percent = 0
	p.phase = ota.Idle
	p.description = description
}

// Update applies an engine progress event. Terminal phases end tracking.
func (p *ProgressState) Update(ev ota.Progress) {
	p.phase = ev.Phase
	p.percent = ev.Percent()
	p.description = ev.Description()
	switch ev.Phase {
	case ota.Complete:
		p.percent = 1.0
		p.isActive = false
	case ota.Error:
		p.isActive = false
	}
}

// Cancel stops the progress without completing.
func (p *ProgressState) Cancel(description string) {
	p.isActive = false
	p.phase = ota.Error
	p.description = description
}

// IsActive returns whether a transfer is in progress.
func (p *ProgressState) IsActive() bool {
	return p.isActive
}

// Phase returns the last reported phase.
func (p *ProgressState) Phase() ota.Phase {
	return p.phase
}

// Percent returns the fraction sent.
func (p *ProgressState) Percent() float64 {
	return p.percent
}

// View renders the description and bar. Finished transfers keep their
// final line.
func (p ProgressState) View() string {
	if p.description == "" {
		return ""
	}
	descStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	if !p.isActive && p.phase != ota.Complete {
		return descStyle.Render(p.description)
	}
	return descStyle.Render(p.description) + "\n" + p.progress.ViewAs(p.percent)
}
