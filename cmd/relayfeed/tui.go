package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/abelbrown/relayfeed/internal/ui"
)

func runTUI() {
	fs := flag.NewFlagSet("tui", flag.ExitOnError)
	configPath, offline := commonFlags(fs)
	fs.Parse(os.Args[1:])

	cfg := loadConfig(*configPath)
	// Logging to the terminal would tear the UI
	setupLogging(cfg, io.Discard)

	e := newEnv(cfg, *offline)
	defer e.close()
	authors := e.authors()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runEvents := e.feed.Subscribe()
	defer e.feed.Unsubscribe(runEvents)
	workEvents := e.feed.Coordinator().Subscribe()
	defer e.feed.Coordinator().Unsubscribe(workEvents)

	opts := ui.Options{
		Feed:       e.feed,
		Queue:      e.feed.Coordinator(),
		RunEvents:  runEvents,
		WorkEvents: workEvents,
		// Each load supersedes the one before it
		Reload: func() tea.Cmd {
			return func() tea.Msg {
				return ui.LoadDone{Err: e.feed.Load(ctx, authors)}
			}
		},
	}
	if e.store != nil {
		opts.Counts = func(noteID string) tea.Cmd {
			return func() tea.Msg {
				counts, err := e.store.CountInteractions(ctx, noteID)
				return ui.CountsLoaded{NoteID: noteID, Counts: counts, Err: err}
			}
		}
	}

	program := tea.NewProgram(ui.NewApp(opts), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		log.Printf("Error running program: %v", err)
	}
}
