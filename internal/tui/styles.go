package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorSurface = lipgloss.Color("#313244")
	colorText    = lipgloss.Color("#CDD6F4")
	colorSubtle  = lipgloss.Color("#6C7086")
	colorGreen   = lipgloss.Color("#A6E3A1")
	colorYellow  = lipgloss.Color("#F9E2AF")
	colorRed     = lipgloss.Color("#F38BA8")
	colorBlue    = lipgloss.Color("#89B4FA")
	colorCyan    = lipgloss.Color("#94E2D5")
	colorMauve   = lipgloss.Color("#CBA6F7")
)

var methodStyleColors = map[string]lipgloss.Color{
	"GET":    colorGreen,
	"POST":   colorYellow,
	"PUT":    colorBlue,
	"DELETE": colorRed,
	"PATCH":  colorMauve,
}

func statusStyleColor(code int) lipgloss.Color {
	switch {
	case code >= 500:
		return colorRed
	case code >= 400:
		return colorYellow
	case code >= 300:
		return colorCyan
	case code >= 200:
		return colorGreen
	}
	return colorSubtle
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorText)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorSubtle).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(colorSurface)

	selectedStyle = lipgloss.NewStyle().
			Background(colorSurface).
			Foreground(colorText)

	subtleStyle = lipgloss.NewStyle().Foreground(colorSubtle)

	helpStyle = lipgloss.NewStyle().Foreground(colorSubtle).MarginTop(1)
)
