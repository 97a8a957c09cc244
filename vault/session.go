package vault

import (
	"context"
	"time"

	"github.com/felixgeelhaar/testvault/internal/archive"
	"github.com/felixgeelhaar/testvault/internal/blob"
	"github.com/felixgeelhaar/testvault/internal/events"
	"github.com/felixgeelhaar/testvault/internal/store"
)

// Session is a handle on one run. The session id is fixed at construction.
type Session struct {
	store    *Store
	info     store.Session
	archiver *archive.Archiver
}

func (s *Session) ID() int64 {
	return s.info.ID
}

func (s *Session) Start() time.Time {
	return s.info.Start
}

// State reports the archival state of the session.
func (s *Session) State() archive.State {
	return s.archiver.State()
}

// Save stores the content of the file at path as a session-scoped artifact.
func (s *Session) Save(ctx context.Context, name, path string) (int64, error) {
	return s.save(ctx, "", name, path)
}

// ForTest returns a handle whose saves are attributed to testID.
func (s *Session) ForTest(testID string) *TestSession {
	return &TestSession{session: s, testID: testID}
}

// Files returns the filesystem store rooted at the artifacts path.
func (s *Session) Files() *blob.Store {
	return s.store.files
}

// List returns the artifacts of the session without their content.
func (s *Session) List(ctx context.Context) ([]Artifact, error) {
	return s.store.db.ListEntries(ctx, s.info.ID)
}

// Finish archives the session in the configured format. It succeeds once;
// saves afterwards fail with ErrSessionClosed.
func (s *Session) Finish(ctx context.Context) (Result, error) {
	return s.archiver.Finish(ctx, s.info.ID)
}

func (s *Session) save(ctx context.Context, testID, name, path string) (id int64, err error) {
	if s.archiver.State() != archive.Open {
		return 0, ErrSessionClosed
	}

	obs := s.store.obs
	ctx, span := obs.StartSpan(ctx, "vault.save")
	defer func() { obs.EndSpan(span, err) }()

	data, err := s.store.readFile(path)
	if err != nil {
		return 0, err
	}

	if testID == "" {
		id, err = s.store.db.SaveSessionArtifact(ctx, s.info.ID, name, data)
	} else {
		id, err = s.store.db.SaveTestArtifact(ctx, s.info.ID, testID, name, data)
	}
	if err != nil {
		obs.Log().Error().Err(err).Int("session", int(s.info.ID)).Str("name", name).Msg("failed to save artifact")
		return 0, err
	}

	obs.Log().Debug().
		Int("session", int(s.info.ID)).
		Str("test", testID).
		Str("name", name).
		Int("size", len(data)).
		Msg("artifact saved")
	s.store.bus.PublishWithData(events.ArtifactSaved, s.info.ID, map[string]any{
		"id":   int(id),
		"test": testID,
		"name": name,
		"size": len(data),
	})
	return id, nil
}

// TestSession is a Session scoped to a single test.
type TestSession struct {
	session *Session
	testID  string
}

func (t *TestSession) TestID() string {
	return t.testID
}

func (t *TestSession) SessionID() int64 {
	return t.session.info.ID
}

// Save stores the content of the file at path as an artifact of the test.
func (t *TestSession) Save(ctx context.Context, name, path string) (int64, error) {
	if t.testID == "" {
		return 0, ErrTestIDRequired
	}
	return t.session.save(ctx, t.testID, name, path)
}

// Files returns the filesystem store rooted at artifacts path/test id.
func (t *TestSession) Files() *blob.Store {
	return t.session.store.files.Sub(t.testID)
}

// List returns the artifacts of this test only.
func (t *TestSession) List(ctx context.Context) ([]Artifact, error) {
	return t.session.store.db.ListForTest(ctx, t.session.info.ID, t.testID)
}
