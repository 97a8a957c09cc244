package store

import (
	"context"
	"errors"
	"iter"
	"time"
)

var (
	// ErrSchema is returned when applying the schema DDL fails.
	ErrSchema = errors.New("schema error")
	// ErrDuplicateSession is returned when a session id is already taken.
	ErrDuplicateSession = errors.New("duplicate session")
	// ErrUnknownSession is returned when a session id does not exist.
	ErrUnknownSession = errors.New("unknown session")
)

// StartLayout is the text layout of sessions.start. It matches str(datetime)
// so databases written by the pytest plugin stay readable.
const StartLayout = "2006-01-02 15:04:05.000000"

// Session represents one test-execution run
type Session struct {
	ID    int64
	Start time.Time
}

// Artifact represents a named blob captured during a run
type Artifact struct {
	ID        int64
	SessionID int64
	TestID    string // empty for session-scoped artifacts
	Name      string
	Data      []byte // nil when listed without content
	Size      int64
}

// Scoped reports whether the artifact belongs to a single test.
func (a Artifact) Scoped() bool {
	return a.TestID != ""
}

// SessionRegistry owns session id allocation
type SessionRegistry interface {
	CreateSessionSchema(ctx context.Context) error
	CurrentSessionID(ctx context.Context) (int64, bool, error)
	BeginSession(ctx context.Context) (Session, error)
	GetSession(ctx context.Context, id int64) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
}

// ArtifactCatalog owns artifact rows
type ArtifactCatalog interface {
	CreateArtifactSchema(ctx context.Context) error
	SaveSessionArtifact(ctx context.Context, sessionID int64, name string, data []byte) (int64, error)
	SaveTestArtifact(ctx context.Context, sessionID int64, testID, name string, data []byte) (int64, error)

	// ListForSession yields every artifact of the session in insertion order.
	// The query runs when the sequence is ranged over.
	ListForSession(ctx context.Context, sessionID int64) iter.Seq2[Artifact, error]
	ListEntries(ctx context.Context, sessionID int64) ([]Artifact, error)
	ListForTest(ctx context.Context, sessionID int64, testID string) ([]Artifact, error)
}

// Storage defines the interface for persistence
type Storage interface {
	SessionRegistry
	ArtifactCatalog

	Path() string
	Close() error
}
