// Package archive packages every artifact of a finished session into a single
// zip or tar.gz file.
//
// An Archiver moves through Open, Closing and then Archived or Failed. The
// transition out of Open happens once, on Finish. A failed archive never
// touches the catalog; callers report it and carry on with the run.
package archive

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/testvault/internal/events"
	"github.com/felixgeelhaar/testvault/internal/observe"
	"github.com/felixgeelhaar/testvault/internal/store"
)

var (
	// ErrArchive wraps every packaging or archive write failure.
	ErrArchive = errors.New("archive error")
	// ErrNotOpen is returned by Finish after the first call.
	ErrNotOpen = errors.New("archiver not open")
	// ErrUnsupportedFormat is returned for formats other than zip and tar.gz.
	ErrUnsupportedFormat = errors.New("unsupported archive format")
)

type State int

const (
	Open State = iota
	Closing
	Archived
	Failed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Archived:
		return "archived"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Source is the read side of the artifact catalog.
type Source interface {
	ListEntries(ctx context.Context, sessionID int64) ([]store.Artifact, error)
	ListForSession(ctx context.Context, sessionID int64) iter.Seq2[store.Artifact, error]
}

// Result describes a written archive.
type Result struct {
	SessionID  int64
	Path       string
	Format     Format
	Entries    int
	Collisions []string // in-archive paths written by more than one artifact
}

type Archiver struct {
	src    Source
	dir    string
	format Format
	obs    *observe.Observer
	bus    *events.Bus
	now    func() time.Time

	mu    sync.Mutex
	state State
}

type Option func(*Archiver)

func WithObserver(o *observe.Observer) Option {
	return func(a *Archiver) { a.obs = o }
}

func WithEvents(b *events.Bus) Option {
	return func(a *Archiver) { a.bus = b }
}

func WithClock(now func() time.Time) Option {
	return func(a *Archiver) { a.now = now }
}

// New returns an Open archiver writing into dir.
func New(src Source, dir string, format Format, opts ...Option) (*Archiver, error) {
	if !slices.Contains(Formats, format) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	a := &Archiver{
		src:    src,
		dir:    dir,
		format: format,
		obs:    observe.Discard(),
		now:    time.Now,
		state:  Open,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Archiver) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// FileName returns the archive file name for a session.
func FileName(sessionID int64, f Format) string {
	return fmt.Sprintf("session-%d%s", sessionID, f.Ext())
}

// EntryPath returns the in-archive path of an artifact: test_id/name for
// test-scoped artifacts, name otherwise.
func EntryPath(a store.Artifact) (string, error) {
	name := a.Name
	if a.TestID != "" {
		name = a.TestID + "/" + a.Name
	}
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return "", fmt.Errorf("%w: unsafe entry path %q for artifact %d", ErrArchive, name, a.ID)
	}
	return clean, nil
}

// Finish writes the archive of sessionID and moves the archiver to Archived
// or Failed. It may be called once; later calls return ErrNotOpen.
//
// Two artifacts that map to the same in-archive path are resolved by
// last-write-wins in catalog insertion order: only the artifact with the
// highest id is packaged. Every such path is logged and listed in
// Result.Collisions.
func (a *Archiver) Finish(ctx context.Context, sessionID int64) (res Result, err error) {
	a.mu.Lock()
	if a.state != Open {
		state := a.state
		a.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrNotOpen, state)
	}
	a.state = Closing
	a.mu.Unlock()

	ctx, span := a.obs.StartSpan(ctx, "archive.finish")
	defer func() { a.obs.EndSpan(span, err) }()

	res, err = a.write(ctx, sessionID)

	a.mu.Lock()
	if err != nil {
		a.state = Failed
	} else {
		a.state = Archived
	}
	a.mu.Unlock()

	if err != nil {
		a.obs.Log().Error().Err(err).Int("session", int(sessionID)).Msg("archive failed")
		a.bus.PublishWithData(events.ArchiveFailed, sessionID, map[string]any{"error": err.Error()})
		return res, err
	}
	a.obs.Log().Info().
		Int("session", int(sessionID)).
		Str("path", res.Path).
		Int("entries", res.Entries).
		Msg("session archived")
	a.bus.PublishWithData(events.ArchiveDone, sessionID, map[string]any{
		"path":    res.Path,
		"entries": res.Entries,
	})
	return res, nil
}

func (a *Archiver) write(ctx context.Context, sessionID int64) (Result, error) {
	res := Result{SessionID: sessionID, Format: a.format}

	entries, err := a.src.ListEntries(ctx, sessionID)
	if err != nil {
		return res, fmt.Errorf("%w: list session %d: %w", ErrArchive, sessionID, err)
	}
	// Rows saved after this point are not part of the archive.
	winners, collisions, err := plan(entries)
	if err != nil {
		return res, err
	}
	res.Collisions = collisions
	for _, p := range collisions {
		a.obs.Log().Warn().Int("session", int(sessionID)).Str("path", p).Msg("duplicate archive path, last saved artifact wins")
	}

	total := len(winners)
	a.bus.PublishWithData(events.ArchiveStart, sessionID, map[string]any{"total": total})

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return res, fmt.Errorf("%w: create %s: %w", ErrArchive, a.dir, err)
	}
	tmp, err := os.CreateTemp(a.dir, ".session-*.tmp")
	if err != nil {
		return res, fmt.Errorf("%w: create temp file: %w", ErrArchive, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	w, err := newEntryWriter(a.format, tmp)
	if err != nil {
		tmp.Close()
		return res, err
	}

	mod := a.now()
	for art, err := range a.src.ListForSession(ctx, sessionID) {
		if err != nil {
			tmp.Close()
			return res, fmt.Errorf("%w: read session %d: %w", ErrArchive, sessionID, err)
		}
		p, ok := winners[art.ID]
		if !ok {
			continue
		}
		if err := w.WriteEntry(p, art.Data, mod); err != nil {
			tmp.Close()
			return res, fmt.Errorf("%w: write %s: %w", ErrArchive, p, err)
		}
		res.Entries++
		a.bus.PublishWithData(events.ArchiveEntry, sessionID, map[string]any{
			"path":  p,
			"done":  res.Entries,
			"total": total,
		})
	}

	if err := w.Close(); err != nil {
		tmp.Close()
		return res, fmt.Errorf("%w: finalize: %w", ErrArchive, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return res, fmt.Errorf("%w: sync: %w", ErrArchive, err)
	}
	if err := tmp.Close(); err != nil {
		return res, fmt.Errorf("%w: close: %w", ErrArchive, err)
	}

	final := filepath.Join(a.dir, FileName(sessionID, a.format))
	if err := os.Rename(tmpName, final); err != nil {
		return res, fmt.Errorf("%w: rename: %w", ErrArchive, err)
	}
	res.Path = final
	return res, nil
}

// plan picks, for each in-archive path, the artifact with the highest id.
func plan(entries []store.Artifact) (map[int64]string, []string, error) {
	latest := make(map[string]int64, len(entries))
	var collisions []string
	for _, e := range entries {
		p, err := EntryPath(e)
		if err != nil {
			return nil, nil, err
		}
		prev, ok := latest[p]
		if ok && !slices.Contains(collisions, p) {
			collisions = append(collisions, p)
		}
		if !ok || e.ID > prev {
			latest[p] = e.ID
		}
	}

	winners := make(map[int64]string, len(latest))
	for p, id := range latest {
		winners[id] = p
	}
	return winners, collisions, nil
}
