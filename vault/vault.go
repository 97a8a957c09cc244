// Package vault is the harness-facing API of testvault.
//
// A harness opens one Store per run, calls BeginOrGetSession from its
// session-scoped setup, saves artifacts through the Session (or through a
// TestSession for the test currently executing) and calls Finish once the
// run is over:
//
//	st, err := vault.Open(ctx, vault.Config{Root: dir, ArtifactsPath: out})
//	sess, err := st.BeginOrGetSession(ctx)
//	sess.ForTest("pkg.TestSmoke").Save(ctx, "stdout.log", logPath)
//	res, err := sess.Finish(ctx)
//
// Artifacts are stored inline in a SQLite file shared by every worker of the
// run. Files() exposes the filesystem store for callers that also want plain
// copies on disk.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/felixgeelhaar/bolt/v3"

	"github.com/felixgeelhaar/testvault/internal/archive"
	"github.com/felixgeelhaar/testvault/internal/blob"
	"github.com/felixgeelhaar/testvault/internal/events"
	"github.com/felixgeelhaar/testvault/internal/observe"
	"github.com/felixgeelhaar/testvault/internal/store"
)

// DefaultDBName is the file name of the store inside Config.Root.
const DefaultDBName = "pytest.db"

type (
	Artifact = store.Artifact
	Format   = archive.Format
	Result   = archive.Result
)

const (
	Zip   = archive.Zip
	TarGz = archive.TarGz
)

var (
	ErrSchema           = store.ErrSchema
	ErrDuplicateSession = store.ErrDuplicateSession
	ErrUnknownSession   = store.ErrUnknownSession
	ErrIO               = blob.ErrIO
	ErrArchive          = archive.ErrArchive
	ErrTestIDRequired   = store.ErrTestIDRequired

	// ErrNoSession is returned by CurrentSession on an empty store.
	ErrNoSession = errors.New("no session")
	// ErrSessionClosed is returned by saves after the session was finished.
	ErrSessionClosed = errors.New("session closed")
)

// Config locates the store and the artifacts directory.
type Config struct {
	Root          string // directory holding the SQLite file
	DBName        string // defaults to DefaultDBName
	ArtifactsPath string // archive destination and filesystem blob root
	ArchiveFormat Format // defaults to Zip
}

func (c Config) dbPath() string {
	name := c.DBName
	if name == "" {
		name = DefaultDBName
	}
	return filepath.Join(c.Root, name)
}

type Option func(*Store)

// WithLogger routes vault logs to l.
func WithLogger(l *bolt.Logger) Option {
	return func(s *Store) { s.obs = observe.FromLogger(l) }
}

// WithEvents publishes lifecycle events on b.
func WithEvents(b *events.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// Store is an open session store. It is safe for concurrent use.
type Store struct {
	cfg   Config
	db    *store.SQLiteStore
	files *blob.Store
	obs   *observe.Observer
	bus   *events.Bus

	mu      sync.Mutex
	session *Session
}

// Open opens the SQLite file and ensures the schema exists. Schema failures
// wrap ErrSchema. The artifacts directory is created on the first file copy or
// archive, never here.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	format, err := archive.ParseFormat(string(cfg.ArchiveFormat))
	if err != nil {
		return nil, err
	}
	cfg.ArchiveFormat = format
	if cfg.ArtifactsPath == "" {
		return nil, fmt.Errorf("artifacts path is required")
	}

	s := &Store{
		cfg:   cfg,
		files: blob.New(cfg.ArtifactsPath),
		obs:   observe.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, span := s.obs.StartSpan(ctx, "vault.open")
	defer func() { s.obs.EndSpan(span, err) }()

	s.db, err = store.NewSQLiteStore(ctx, cfg.dbPath())
	if err != nil {
		return nil, err
	}
	s.obs.Log().Debug().Str("db", s.db.Path()).Str("artifacts", cfg.ArtifactsPath).Msg("store opened")
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Storage exposes the underlying registry and catalog.
func (s *Store) Storage() store.Storage {
	return s.db
}

// BeginOrGetSession allocates a new session on the first call and returns
// the same handle afterwards.
func (s *Store) BeginOrGetSession(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return s.session, nil
	}

	ctx, span := s.obs.StartSpan(ctx, "vault.begin_session")
	sess, err := s.db.BeginSession(ctx)
	s.obs.EndSpan(span, err)
	if err != nil {
		s.obs.Log().Error().Err(err).Msg("failed to begin session")
		return nil, err
	}

	s.obs.Log().Info().Int("session", int(sess.ID)).Msg("session started")
	s.bus.PublishWithData(events.SessionBegin, sess.ID, map[string]any{"start": sess.Start.Format(store.StartLayout)})

	h, err := s.handle(sess)
	if err != nil {
		return nil, err
	}
	s.session = h
	return h, nil
}

// Session returns a handle on an existing session, for workers joining a run
// or callers pinning a known id.
func (s *Store) Session(ctx context.Context, id int64) (*Session, error) {
	sess, err := s.db.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.handle(sess)
}

// CurrentSession returns a handle on the session with the highest id.
func (s *Store) CurrentSession(ctx context.Context) (*Session, error) {
	id, ok, err := s.db.CurrentSessionID(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSession
	}
	return s.Session(ctx, id)
}

func (s *Store) handle(sess store.Session) (*Session, error) {
	arch, err := s.newArchiver(s.cfg.ArchiveFormat)
	if err != nil {
		return nil, err
	}
	return &Session{
		store:    s,
		info:     sess,
		archiver: arch,
	}, nil
}

func (s *Store) newArchiver(format Format) (*archive.Archiver, error) {
	return archive.New(s.db, s.cfg.ArtifactsPath, format,
		archive.WithObserver(s.obs),
		archive.WithEvents(s.bus),
	)
}

// Finish archives sessionID in the given format. An empty format selects
// the configured one. Failures wrap ErrArchive and leave the catalog intact.
func (s *Store) Finish(ctx context.Context, sessionID int64, format Format) (Result, error) {
	if format == "" {
		format = s.cfg.ArchiveFormat
	}
	format, err := archive.ParseFormat(string(format))
	if err != nil {
		return Result{}, err
	}
	if _, err := s.db.GetSession(ctx, sessionID); err != nil {
		return Result{}, err
	}
	arch, err := s.newArchiver(format)
	if err != nil {
		return Result{}, err
	}
	return arch.Finish(ctx, sessionID)
}

func (s *Store) readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", blob.ErrIO, path, err)
	}
	return data, nil
}
