package sync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
	"github.com/breznaiandras2006-collab/exammentor/internal/errors"
	"github.com/breznaiandras2006-collab/exammentor/internal/logger"
	"github.com/breznaiandras2006-collab/exammentor/internal/storage"
)

var t0 = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "study.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestImportNotes(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	notes := "Dog: Canine animal\n\nQ: What is 2+2?\nA: Four\n\ndog:   canine   ANIMAL\n"

	res, err := ImportNotes(ctx, store, 3, "bio.md", strings.NewReader(notes), t0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Parsed)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Existing, "normalized duplicates are dropped")
	require.Len(t, res.Cards, 2)

	first := res.Cards[0]
	assert.Equal(t, "Dog", first.Term)
	assert.Equal(t, int64(3), first.SourceID)
	assert.Equal(t, "bio.md:1", first.SourceRef)
	assert.Equal(t, domain.MinBox, first.Box)
	assert.True(t, first.DueAt.Equal(t0))
	assert.Equal(t, "bio.md:3", res.Cards[1].SourceRef)

	again, err := ImportNotes(ctx, store, 3, "bio.md", strings.NewReader(notes), t0)
	require.NoError(t, err)
	assert.Zero(t, again.Inserted, "re-import is idempotent")

	other, err := ImportNotes(ctx, store, 4, "", strings.NewReader("Dog: Canine animal"), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, other.Inserted, "dedup is per source")
	assert.Empty(t, other.Cards[0].SourceRef)
}

func TestDetectSourceType(t *testing.T) {
	assert.Equal(t, TypeGit, DetectSourceType("https://github.com/user/notes.git"))
	assert.Equal(t, TypeGit, DetectSourceType("git@github.com:user/notes.git"))
	assert.Equal(t, TypeLocal, DetectSourceType("/home/me/notes"))
}

func TestAddSource(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	s := New(db, Options{}, nil)
	dir := t.TempDir()

	src, err := s.AddSource(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, TypeLocal, src.Type)
	assert.NotZero(t, src.ID)

	_, err = s.AddSource(ctx, dir)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	_, err = s.AddSource(ctx, filepath.Join(dir, "missing"))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = s.AddSource(ctx, "  ")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	git, err := s.AddSource(ctx, "https://github.com/user/notes.git")
	require.NoError(t, err)
	assert.Equal(t, TypeGit, git.Type)
}

func TestRunSyncLocal(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	s := New(db, Options{Now: func() time.Time { return t0 }}, logger.Nop())

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bio.md"), "Cell: Basic unit of life\nMitosis - Cell division\n")
	writeFile(t, filepath.Join(dir, "chem", "acids.txt"), "Q: pH of water?\nA: Seven\n")
	writeFile(t, filepath.Join(dir, "image.png"), "Ignored: not a note\n")
	writeFile(t, filepath.Join(dir, ".hidden", "x.md"), "Hidden: skipped\n")

	_, err := s.AddSource(ctx, dir)
	require.NoError(t, err)

	report, err := s.RunSync(ctx)
	require.NoError(t, err)
	require.Len(t, report.Sources, 1)
	rep := report.Sources[0]
	assert.Equal(t, 2, rep.Files)
	assert.Equal(t, 3, rep.Parsed)
	assert.Equal(t, 3, rep.Inserted)
	assert.Empty(t, rep.Stale)
	assert.Empty(t, rep.Errors)
	assert.Equal(t, 3, report.Inserted())

	cards, err := db.ListCards(ctx, domain.CardFilter{SourceID: rep.SourceID})
	require.NoError(t, err)
	require.Len(t, cards, 3)
	refs := map[string]bool{}
	for _, c := range cards {
		refs[c.SourceRef] = true
	}
	assert.True(t, refs["bio.md:1"])
	assert.True(t, refs["chem/acids.txt:1"])

	src, err := db.GetSource(ctx, rep.SourceID)
	require.NoError(t, err)
	require.NotNil(t, src.LastScanned)
	assert.True(t, src.LastScanned.Equal(t0))

	// Removing a note leaves its cards in place and reports them stale.
	require.NoError(t, os.Remove(filepath.Join(dir, "chem", "acids.txt")))
	report, err = s.RunSync(ctx)
	require.NoError(t, err)
	rep = report.Sources[0]
	assert.Zero(t, rep.Inserted)
	assert.Equal(t, 2, rep.Existing)
	assert.Len(t, rep.Stale, 1)

	cards, err = db.ListCards(ctx, domain.CardFilter{SourceID: rep.SourceID})
	require.NoError(t, err)
	assert.Len(t, cards, 3)
}

func TestRunSyncGitAndFailures(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	reposDir := t.TempDir()

	var fetched []string
	fetch := func(_ context.Context, url, localPath string, _ *logger.Logger) error {
		fetched = append(fetched, url)
		if strings.Contains(url, "broken") {
			return assert.AnError
		}
		writeFile(t, filepath.Join(localPath, "README.md"), "Git: Version control\n")
		return nil
	}
	s := New(db, Options{ReposDir: reposDir, Workers: 1, Fetch: fetch, Now: func() time.Time { return t0 }}, nil)

	_, err := s.AddSource(ctx, "https://github.com/user/notes.git")
	require.NoError(t, err)
	_, err = s.AddSource(ctx, "https://github.com/user/broken.git")
	require.NoError(t, err)

	report, err := s.RunSync(ctx)
	require.NoError(t, err, "a failing source does not fail the run")
	require.Len(t, report.Sources, 2)
	assert.Len(t, fetched, 2)

	assert.Equal(t, 1, report.Sources[0].Inserted)
	assert.Empty(t, report.Sources[0].Errors)
	assert.NotEmpty(t, report.Sources[1].Errors)

	_, err = os.Stat(filepath.Join(reposDir, "github.com", "user", "notes", "README.md"))
	assert.NoError(t, err)
}

func TestRunSyncNoSources(t *testing.T) {
	report, err := New(openDB(t), Options{}, nil).RunSync(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Sources)
}

func TestRunSyncSingleFile(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	s := New(db, Options{Now: func() time.Time { return t0 }}, nil)

	path := filepath.Join(t.TempDir(), "one.md")
	writeFile(t, path, "Term: Definition\n")
	_, err := s.AddSource(ctx, path)
	require.NoError(t, err)

	report, err := s.RunSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sources[0].Inserted)

	cards, err := db.ListCards(ctx, domain.CardFilter{})
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "one.md:1", cards[0].SourceRef)
}
