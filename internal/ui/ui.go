// Package ui renders vault progress for the command line.
package ui

import (
	"fmt"

	"github.com/felixgeelhaar/bolt/v3"

	"github.com/felixgeelhaar/testvault/internal/events"
)

type UI interface {
	UpdateStatus(status string)
	UpdateProgress(done, total int)
	Log(msg string)
}

type SilentUI struct{}

func (s SilentUI) UpdateStatus(status string)     {}
func (s SilentUI) UpdateProgress(done, total int) {}
func (s SilentUI) Log(msg string)                 {}

// LogUI writes progress to a logger at info level.
type LogUI struct {
	Logger *bolt.Logger
}

func (l LogUI) UpdateStatus(status string) {
	l.Logger.Info().Str("status", status).Msg("progress")
}

func (l LogUI) UpdateProgress(done, total int) {
	l.Logger.Info().Int("done", done).Int("total", total).Msg("progress")
}

func (l LogUI) Log(msg string) {
	l.Logger.Info().Msg(msg)
}

// Attach forwards session and archive events from bus to u.
func Attach(bus *events.Bus, u UI) {
	bus.Subscribe(events.SessionBegin, func(e events.Event) {
		u.Log(fmt.Sprintf("session %d started", e.SessionID))
	})
	bus.Subscribe(events.ArtifactSaved, func(e events.Event) {
		u.Log(fmt.Sprintf("saved %s (%d bytes)", entryName(e), e.Int("size")))
	})
	bus.Subscribe(events.ArchiveStart, func(e events.Event) {
		u.UpdateStatus(fmt.Sprintf("Archiving session %d", e.SessionID))
		u.UpdateProgress(0, e.Int("total"))
	})
	bus.Subscribe(events.ArchiveEntry, func(e events.Event) {
		u.Log(e.Str("path"))
		u.UpdateProgress(e.Int("done"), e.Int("total"))
	})
	bus.Subscribe(events.ArchiveDone, func(e events.Event) {
		u.UpdateStatus("Archived")
		u.Log(fmt.Sprintf("wrote %s", e.Str("path")))
	})
	bus.Subscribe(events.ArchiveFailed, func(e events.Event) {
		u.UpdateStatus("Failed")
		u.Log(e.Str("error"))
	})
}

func entryName(e events.Event) string {
	if test := e.Str("test"); test != "" {
		return test + "/" + e.Str("name")
	}
	return e.Str("name")
}
