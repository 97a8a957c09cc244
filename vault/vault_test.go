package vault

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/felixgeelhaar/testvault/internal/archive"
	"github.com/felixgeelhaar/testvault/internal/events"
	"github.com/felixgeelhaar/testvault/internal/observe"
)

func openTestStore(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(context.Background(), Config{
		Root:          dir,
		ArtifactsPath: filepath.Join(dir, "artifacts"),
	}, opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, dir
}

func testFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	return path
}

func TestOpen(t *testing.T) {
	st, dir := openTestStore(t)

	if _, err := os.Stat(filepath.Join(dir, DefaultDBName)); err != nil {
		t.Errorf("Expected %s to exist: %v", DefaultDBName, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "artifacts")); !os.IsNotExist(err) {
		t.Errorf("Expected artifacts directory to be created lazily, stat err = %v", err)
	}
	if st.Storage().Path() != filepath.Join(dir, DefaultDBName) {
		t.Errorf("Unexpected db path %s", st.Storage().Path())
	}

	t.Run("CustomName", func(t *testing.T) {
		dir := t.TempDir()
		st, err := Open(context.Background(), Config{Root: dir, DBName: "runs.db", ArtifactsPath: dir})
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer st.Close()
		if _, err := os.Stat(filepath.Join(dir, "runs.db")); err != nil {
			t.Errorf("Expected runs.db to exist: %v", err)
		}
	})

	t.Run("BadFormat", func(t *testing.T) {
		dir := t.TempDir()
		_, err := Open(context.Background(), Config{Root: dir, ArtifactsPath: dir, ArchiveFormat: "rar"})
		if !errors.Is(err, archive.ErrUnsupportedFormat) {
			t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
		}
	})

	t.Run("ArtifactsPathIsFile", func(t *testing.T) {
		dir := t.TempDir()
		blocked := testFile(t, dir, "blocked", "x")
		st, err := Open(context.Background(), Config{Root: dir, ArtifactsPath: blocked})
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer st.Close()

		sess, err := st.BeginOrGetSession(context.Background())
		if err != nil {
			t.Fatalf("BeginOrGetSession failed: %v", err)
		}
		if _, err := sess.Finish(context.Background()); !errors.Is(err, ErrArchive) {
			t.Errorf("Expected ErrArchive, got %v", err)
		}
	})
}

func TestBeginOrGetSession(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	first, err := st.BeginOrGetSession(ctx)
	if err != nil {
		t.Fatalf("BeginOrGetSession failed: %v", err)
	}
	if first.ID() != 1 {
		t.Errorf("Expected session 1, got %d", first.ID())
	}

	again, err := st.BeginOrGetSession(ctx)
	if err != nil {
		t.Fatalf("BeginOrGetSession failed: %v", err)
	}
	if again != first {
		t.Error("Expected the same session handle on the second call")
	}

	current, err := st.CurrentSession(ctx)
	if err != nil {
		t.Fatalf("CurrentSession failed: %v", err)
	}
	if current.ID() != 1 {
		t.Errorf("Expected current session 1, got %d", current.ID())
	}
}

func TestBeginOrGetSession_Concurrent(t *testing.T) {
	st, _ := openTestStore(t)

	var wg sync.WaitGroup
	handles := make([]*Session, 10)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := st.BeginOrGetSession(context.Background())
			if err != nil {
				t.Errorf("BeginOrGetSession failed: %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range handles {
		if h == nil || h.ID() != 1 {
			t.Fatalf("Expected every caller to share session 1, got %+v", h)
		}
	}
}

func TestSeparateStoresAdvanceSessions(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Root: dir, ArtifactsPath: filepath.Join(dir, "out")}
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		st, err := Open(ctx, cfg)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		sess, err := st.BeginOrGetSession(ctx)
		if err != nil {
			t.Fatalf("BeginOrGetSession failed: %v", err)
		}
		if sess.ID() != want {
			t.Errorf("Expected run %d to get session %d, got %d", want, want, sess.ID())
		}
		st.Close()
	}
}

func TestCurrentSession_Empty(t *testing.T) {
	st, _ := openTestStore(t)
	if _, err := st.CurrentSession(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession, got %v", err)
	}
	if _, err := st.Session(context.Background(), 5); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Expected ErrUnknownSession, got %v", err)
	}
}

func TestSessionSave(t *testing.T) {
	st, dir := openTestStore(t)
	ctx := context.Background()
	src := testFile(t, dir, "testfile.txt", "Line 0\nLine 1\nLine 2\n")

	sess, err := st.BeginOrGetSession(ctx)
	if err != nil {
		t.Fatalf("BeginOrGetSession failed: %v", err)
	}

	id, err := sess.Save(ctx, "testfile.txt", src)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if id <= 0 {
		t.Errorf("Expected positive artifact id, got %d", id)
	}

	var found bool
	for a, err := range st.Storage().ListForSession(ctx, sess.ID()) {
		if err != nil {
			t.Fatalf("ListForSession failed: %v", err)
		}
		if a.ID == id {
			found = true
			if a.Name != "testfile.txt" || a.TestID != "" {
				t.Errorf("Unexpected artifact %+v", a)
			}
			if !bytes.Equal(a.Data, []byte("Line 0\nLine 1\nLine 2\n")) {
				t.Errorf("Unexpected data %q", a.Data)
			}
		}
	}
	if !found {
		t.Error("Saved artifact not listed")
	}

	if _, err := sess.Save(ctx, "missing.txt", filepath.Join(dir, "missing.txt")); !errors.Is(err, ErrIO) {
		t.Errorf("Expected ErrIO for missing file, got %v", err)
	}
}

func TestTestSessionSave(t *testing.T) {
	st, dir := openTestStore(t)
	ctx := context.Background()
	src := testFile(t, dir, "out.txt", "data")

	sess, _ := st.BeginOrGetSession(ctx)
	one := sess.ForTest("tests/test_a.py::test_one")
	two := sess.ForTest("tests/test_a.py::test_two")

	if one.SessionID() != sess.ID() || one.TestID() != "tests/test_a.py::test_one" {
		t.Errorf("Unexpected test handle %d/%s", one.SessionID(), one.TestID())
	}

	if _, err := one.Save(ctx, "out.txt", src); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := sess.Save(ctx, "session.txt", src); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	listed, err := two.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("Expected test_two to see no artifacts, got %d", len(listed))
	}

	listed, err = one.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 1 || listed[0].Name != "out.txt" {
		t.Errorf("Expected only out.txt for test_one, got %+v", listed)
	}

	all, _ := sess.List(ctx)
	if len(all) != 2 {
		t.Errorf("Expected 2 artifacts in session, got %d", len(all))
	}

	if _, err := sess.ForTest("").Save(ctx, "x", src); !errors.Is(err, ErrTestIDRequired) {
		t.Errorf("Expected ErrTestIDRequired, got %v", err)
	}
}

func TestExplicitSessionHandle(t *testing.T) {
	st, dir := openTestStore(t)
	ctx := context.Background()
	src := testFile(t, dir, "a.txt", "a")

	first, _ := st.BeginOrGetSession(ctx)

	// Another run begins afterwards; the pinned handle keeps writing to its own id.
	other, err := Open(ctx, Config{Root: dir, ArtifactsPath: filepath.Join(dir, "artifacts")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer other.Close()
	second, _ := other.BeginOrGetSession(ctx)
	if second.ID() != 2 {
		t.Fatalf("Expected second run to get session 2, got %d", second.ID())
	}

	if _, err := first.Save(ctx, "a.txt", src); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	entries, _ := first.List(ctx)
	if len(entries) != 1 || entries[0].SessionID != 1 {
		t.Errorf("Expected artifact in session 1, got %+v", entries)
	}

	joined, err := st.CurrentSession(ctx)
	if err != nil {
		t.Fatalf("CurrentSession failed: %v", err)
	}
	if joined.ID() != 2 {
		t.Errorf("Expected to join session 2, got %d", joined.ID())
	}
}

func TestFiles(t *testing.T) {
	st, dir := openTestStore(t)
	ctx := context.Background()
	src := testFile(t, dir, "shot.png", "png")

	sess, _ := st.BeginOrGetSession(ctx)

	dest, err := sess.Files().Save(src)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if dest != filepath.Join(dir, "artifacts", "shot.png") {
		t.Errorf("Unexpected destination %s", dest)
	}

	dest, err = sess.ForTest("t1").Files().Save(src)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if dest != filepath.Join(dir, "artifacts", "t1", "shot.png") {
		t.Errorf("Unexpected destination %s", dest)
	}
}

func TestSessionFinish(t *testing.T) {
	bus := events.NewBus()
	var types []events.Type
	bus.SubscribeAll(func(e events.Event) { types = append(types, e.Type) })

	st, dir := openTestStore(t, WithEvents(bus), WithLogger(observe.Discard().Log()))
	ctx := context.Background()

	sess, _ := st.BeginOrGetSession(ctx)
	if _, err := sess.ForTest("t1").Save(ctx, "a.txt", testFile(t, dir, "a.txt", "x")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := sess.Save(ctx, "b.txt", testFile(t, dir, "b.txt", "y")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	res, err := sess.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if sess.State() != archive.Archived {
		t.Errorf("Expected archived state, got %s", sess.State())
	}
	if res.Path != filepath.Join(dir, "artifacts", "session-1.zip") {
		t.Errorf("Unexpected archive path %s", res.Path)
	}

	r, err := zip.OpenReader(res.Path)
	if err != nil {
		t.Fatalf("Failed to open archive: %v", err)
	}
	defer r.Close()
	got := map[string]string{}
	for _, f := range r.File {
		rc, _ := f.Open()
		data, _ := io.ReadAll(rc)
		rc.Close()
		got[f.Name] = string(data)
	}
	if len(got) != 2 || got["t1/a.txt"] != "x" || got["b.txt"] != "y" {
		t.Errorf("Unexpected archive contents %v", got)
	}

	if _, err := sess.Save(ctx, "late.txt", testFile(t, dir, "late.txt", "z")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
	if _, err := sess.Finish(ctx); !errors.Is(err, archive.ErrNotOpen) {
		t.Errorf("Expected ErrNotOpen, got %v", err)
	}

	want := []events.Type{
		events.SessionBegin,
		events.ArtifactSaved, events.ArtifactSaved,
		events.ArchiveStart, events.ArchiveEntry, events.ArchiveEntry, events.ArchiveDone,
	}
	if len(types) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestStoreFinish(t *testing.T) {
	st, dir := openTestStore(t)
	ctx := context.Background()

	sess, _ := st.BeginOrGetSession(ctx)
	if _, err := sess.Save(ctx, "b.txt", testFile(t, dir, "b.txt", "y")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	res, err := st.Finish(ctx, sess.ID(), TarGz)
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if filepath.Base(res.Path) != "session-1.tar.gz" || res.Entries != 1 {
		t.Errorf("Unexpected result %+v", res)
	}

	if _, err := st.Finish(ctx, 42, ""); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Expected ErrUnknownSession, got %v", err)
	}
	if _, err := st.Finish(ctx, sess.ID(), "rar"); !errors.Is(err, archive.ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
}
