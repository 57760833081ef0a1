package ui

import "github.com/charmbracelet/lipgloss"

// Colors used in the application.
var (
	colorPrimary   = lipgloss.Color("62")  // Purple
	colorSecondary = lipgloss.Color("241") // Gray
	colorMuted     = lipgloss.Color("240") // Darker gray
	colorHighlight = lipgloss.Color("212") // Pink
	colorSuccess   = lipgloss.Color("78")  // Green
	colorWarn      = lipgloss.Color("214") // Orange
)

// SelectedItem style for the note under the cursor.
var SelectedItem = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("255")).
	Background(colorPrimary).
	Padding(0, 1)

// NormalItem style for other notes.
var NormalItem = lipgloss.NewStyle().
	Foreground(lipgloss.Color("255")).
	Padding(0, 1)

// AuthorBadge style for the shortened author key.
var AuthorBadge = lipgloss.NewStyle().
	Foreground(colorPrimary).
	Background(lipgloss.Color("236")).
	Padding(0, 1).
	MarginRight(1)

// AgeStyle for humanized note ages.
var AgeStyle = lipgloss.NewStyle().
	Foreground(colorSecondary)

// PowStyle for proof-of-work badges.
var PowStyle = lipgloss.NewStyle().
	Foreground(colorHighlight).
	Bold(true)

// Interaction marks shown next to a note.
var (
	MarkQueued   = lipgloss.NewStyle().Foreground(colorMuted)
	MarkFetching = lipgloss.NewStyle().Foreground(colorWarn)
	MarkDone     = lipgloss.NewStyle().Foreground(colorSuccess)
)

// ProgressLine style for the acquisition step line.
var ProgressLine = lipgloss.NewStyle().
	Foreground(colorSecondary).
	Padding(0, 1)

// StatusBar style for the bottom status bar.
var StatusBar = lipgloss.NewStyle().
	Foreground(lipgloss.Color("255")).
	Background(lipgloss.Color("236")).
	Padding(0, 1)

// StatusBarKey style for key hints in status bar.
var StatusBarKey = lipgloss.NewStyle().
	Foreground(colorHighlight).
	Bold(true)

// StatusBarText style for descriptive text in status bar.
var StatusBarText = lipgloss.NewStyle().
	Foreground(colorSecondary)

// ErrorStyle for displaying errors.
var ErrorStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("196")).
	Bold(true).
	Padding(0, 1)

// HelpStyle for help text.
var HelpStyle = lipgloss.NewStyle().
	Foreground(colorMuted).
	Padding(1, 2)
