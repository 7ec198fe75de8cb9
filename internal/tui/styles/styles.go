package styles

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	Gold    = lipgloss.Color("#C9A227")
	DimGray = lipgloss.Color("#6B7280")
	White   = lipgloss.Color("#F9FAFB")
	Green   = lipgloss.Color("#10B981")
	Red     = lipgloss.Color("#EF4444")
)

// Text styles
var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(White).
			Bold(true)

	DimStyle = lipgloss.NewStyle().
			Foreground(DimGray)

	AccentStyle = lipgloss.NewStyle().
			Foreground(Gold)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Red)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(Green)
)

// Raw status characters (unstyled)
const (
	ReadyChar = "✓"
	ErrorChar = "✗"
	IdleChar  = "·"
)

// Pre-rendered status indicators
var (
	ReadyMark = SuccessStyle.Render(ReadyChar)
	ErrorMark = ErrorStyle.Render(ErrorChar)
	IdleMark  = DimStyle.Render(IdleChar)
)

// Help styles
var (
	HelpKeyStyle = lipgloss.NewStyle().
			Foreground(Gold)

	HelpDescStyle = lipgloss.NewStyle().
			Foreground(DimGray)
)
