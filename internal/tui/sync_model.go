// Package tui renders live city sync progress with Bubble Tea.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mmcdole/citypack/internal/domain"
	"github.com/mmcdole/citypack/internal/tui/styles"
)

const barWidth = 32

// cityRow is the display state of one city
type cityRow struct {
	state    domain.SyncState
	bar      progress.Model
	finished bool
	err      error
}

// SyncModel shows one progress bar per city until every sync returns.
type SyncModel struct {
	slugs   []string
	rows    map[string]*cityRow
	msgs    <-chan tea.Msg
	spinner spinner.Model
	keys    KeyMap
	cancel  context.CancelFunc
	done    bool
}

// NewSyncModel creates the model. msgs is the channel from startSyncs;
// cancel aborts the syncs when the user quits.
func NewSyncModel(slugs []string, msgs <-chan tea.Msg, cancel context.CancelFunc) SyncModel {
	rows := make(map[string]*cityRow, len(slugs))
	for _, slug := range slugs {
		bar := progress.New(progress.WithSolidFill(string(styles.Gold)), progress.WithoutPercentage())
		bar.Width = barWidth
		rows[slug] = &cityRow{state: domain.SyncState{Slug: slug, Status: domain.StatusIdle}, bar: bar}
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.AccentStyle
	return SyncModel{
		slugs:   slugs,
		rows:    rows,
		msgs:    msgs,
		spinner: sp,
		keys:    DefaultKeyMap(),
		cancel:  cancel,
	}
}

func (m SyncModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, listenCmd(m.msgs))
}

func (m SyncModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			if m.cancel != nil {
				m.cancel()
			}
			m.done = true
			return m, tea.Quit
		}

	case SyncStateMsg:
		if row, ok := m.rows[msg.State.Slug]; ok && !row.finished {
			row.state = msg.State
		}
		return m, listenCmd(m.msgs)

	case SyncFinishedMsg:
		if row, ok := m.rows[msg.Slug]; ok {
			row.finished = true
			row.err = msg.Err
			if msg.Err == nil {
				row.state.Status = domain.StatusReady
				row.state.Progress = 100
			} else {
				row.state.Status = domain.StatusError
				row.state.Error = msg.Err.Error()
			}
		}
		return m, listenCmd(m.msgs)

	case channelClosedMsg:
		m.done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m SyncModel) View() string {
	var b strings.Builder
	b.WriteString(styles.TitleStyle.Render("Syncing city packs"))
	b.WriteString("\n\n")

	width := 0
	for _, slug := range m.slugs {
		if len(slug) > width {
			width = len(slug)
		}
	}

	for _, slug := range m.slugs {
		row := m.rows[slug]
		b.WriteString(m.statusMark(row))
		b.WriteString(" ")
		b.WriteString(fmt.Sprintf("%-*s ", width, slug))
		b.WriteString(row.bar.ViewAs(float64(row.state.Progress) / 100))
		b.WriteString(fmt.Sprintf(" %3d%%", row.state.Progress))
		if row.state.Status == domain.StatusError && row.state.Error != "" {
			b.WriteString("  ")
			b.WriteString(styles.ErrorStyle.Render(row.state.Error))
		}
		b.WriteString("\n")
	}

	if !m.done {
		b.WriteString("\n")
		b.WriteString(styles.HelpKeyStyle.Render(m.keys.Quit.Help().Key))
		b.WriteString(" ")
		b.WriteString(styles.HelpDescStyle.Render(m.keys.Quit.Help().Desc))
		b.WriteString("\n")
	}
	return b.String()
}

func (m SyncModel) statusMark(row *cityRow) string {
	switch row.state.Status {
	case domain.StatusReady:
		return styles.ReadyMark
	case domain.StatusError:
		return styles.ErrorMark
	case domain.StatusSyncing:
		return m.spinner.View()
	default:
		return styles.IdleMark
	}
}

// Errors returns the failed syncs by slug.
func (m SyncModel) Errors() map[string]error {
	out := make(map[string]error)
	for slug, row := range m.rows {
		if row.err != nil {
			out[slug] = row.err
		}
	}
	return out
}

// Cancelled reports whether the user quit before every sync returned.
func (m SyncModel) Cancelled() bool {
	for _, row := range m.rows {
		if !row.finished {
			return true
		}
	}
	return false
}

// RunSync runs the syncs under a Bubble Tea program and returns the
// per-city failures.
func RunSync(ctx context.Context, slugs []string, run SyncFunc, opts ...tea.ProgramOption) (map[string]error, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := NewSyncModel(slugs, startSyncs(ctx, slugs, run), cancel)
	final, err := tea.NewProgram(model, opts...).Run()
	if err != nil {
		return nil, fmt.Errorf("sync view failed: %w", err)
	}
	m := final.(SyncModel)
	if m.Cancelled() {
		return m.Errors(), context.Canceled
	}
	return m.Errors(), nil
}
