package sync

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
	"github.com/breznaiandras2006-collab/exammentor/internal/errors"
	"github.com/breznaiandras2006-collab/exammentor/internal/gitsource"
	"github.com/breznaiandras2006-collab/exammentor/internal/knol"
	"github.com/breznaiandras2006-collab/exammentor/internal/leitner"
	"github.com/breznaiandras2006-collab/exammentor/internal/logger"
	"github.com/breznaiandras2006-collab/exammentor/internal/parser"
	"github.com/breznaiandras2006-collab/exammentor/internal/storage"
)

// Source types.
const (
	TypeLocal = "local"
	TypeGit   = "git"
)

// DefaultWorkers bounds how many sources sync at once.
const DefaultWorkers = 4

// CardStore is what importing notes needs.
type CardStore interface {
	InsertCard(ctx context.Context, card domain.Flashcard) error
	FindCardByHash(ctx context.Context, sourceID int64, hash string) (*domain.Flashcard, error)
}

// Store is the card and source capability a full sync needs.
type Store interface {
	CardStore
	ListCards(ctx context.Context, filter domain.CardFilter) ([]domain.Flashcard, error)
	InsertSource(ctx context.Context, path, sourceType string) (int64, error)
	FindSourceByPath(ctx context.Context, path string) (*storage.Source, error)
	GetAllSources(ctx context.Context) ([]storage.Source, error)
	UpdateSourceLastScanned(ctx context.Context, sourceID int64, at time.Time) error
}

// FetchFunc brings a git remote up to date in localPath.
type FetchFunc func(ctx context.Context, url, localPath string, log *logger.Logger) error

// Options configure a Syncer.
type Options struct {
	ReposDir string
	Workers  int
	Fetch    FetchFunc        // defaults to gitsource.Sync
	Now      func() time.Time // defaults to time.Now
}

// Syncer reconciles note sources with the card store.
type Syncer struct {
	store    Store
	reposDir string
	workers  int
	fetch    FetchFunc
	now      func() time.Time
	log      *logger.Logger
}

// New creates a Syncer.
func New(store Store, opts Options, log *logger.Logger) *Syncer {
	if opts.ReposDir == "" {
		opts.ReposDir = "repos"
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Fetch == nil {
		opts.Fetch = gitsource.Sync
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{
		store:    store,
		reposDir: opts.ReposDir,
		workers:  opts.Workers,
		fetch:    opts.Fetch,
		now:      opts.Now,
		log:      logger.OrNop(log).With("component", "sync"),
	}
}

// ImportResult counts what an import did.
type ImportResult struct {
	Parsed   int                `json:"parsed"`
	Inserted int                `json:"inserted"`
	Existing int                `json:"existing"`
	Cards    []domain.Flashcard `json:"cards,omitempty"` // newly inserted
	Hashes   []string           `json:"-"`               // every hash seen, in order
}

func (r *ImportResult) add(o ImportResult) {
	r.Parsed += o.Parsed
	r.Inserted += o.Inserted
	r.Existing += o.Existing
	r.Cards = append(r.Cards, o.Cards...)
	r.Hashes = append(r.Hashes, o.Hashes...)
}

// SourceReport describes the sync of one source.
type SourceReport struct {
	SourceID int64    `json:"source_id"`
	Path     string   `json:"path"`
	Type     string   `json:"type"`
	Files    int      `json:"files"`
	Parsed   int      `json:"parsed"`
	Inserted int      `json:"inserted"`
	Existing int      `json:"existing"`
	Stale    []string `json:"stale,omitempty"` // card IDs no longer found in the source
	Errors   []string `json:"errors,omitempty"`
}

// Report is the outcome of RunSync.
type Report struct {
	Sources []SourceReport `json:"sources"`
}

// Inserted totals new cards across sources.
func (r Report) Inserted() int {
	n := 0
	for _, s := range r.Sources {
		n += s.Inserted
	}
	return n
}

// ImportNotes extracts cards from r and inserts those whose hash is new to
// sourceID. ref names the note and prefixes each card's SourceRef.
func ImportNotes(ctx context.Context, store CardStore, sourceID int64, ref string, r io.Reader, now time.Time) (ImportResult, error) {
	cards, err := parser.Parse(r)
	if err != nil {
		return ImportResult{}, fmt.Errorf("parse %s: %w", ref, err)
	}

	res := ImportResult{Parsed: len(cards)}
	seen := make(map[string]bool, len(cards))
	for _, c := range cards {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		hash := knol.Hash(c)
		if seen[hash] {
			res.Existing++
			continue
		}
		seen[hash] = true
		res.Hashes = append(res.Hashes, hash)

		existing, err := store.FindCardByHash(ctx, sourceID, hash)
		if err != nil {
			return res, fmt.Errorf("db check for %s: %w", hash, err)
		}
		if existing != nil {
			res.Existing++
			continue
		}

		card := leitner.NewFlashcard(domain.NewID(now), hash, c, now)
		card.SourceID = sourceID
		if ref != "" {
			card.SourceRef = fmt.Sprintf("%s:%d", ref, c.Line)
		}
		if err := store.InsertCard(ctx, card); err != nil {
			if errors.Is(err, errors.ErrConflict) {
				res.Existing++
				continue
			}
			return res, fmt.Errorf("db insert for %s: %w", hash, err)
		}
		res.Inserted++
		res.Cards = append(res.Cards, card)
	}
	return res, nil
}

// DetectSourceType classifies path as a git remote or a local path.
func DetectSourceType(path string) string {
	if gitsource.IsURL(path) {
		return TypeGit
	}
	return TypeLocal
}

// AddSource registers a local path or git URL. Local paths are stored
// absolute and must exist.
func (s *Syncer) AddSource(ctx context.Context, path string) (storage.Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return storage.Source{}, errors.NewInvalidRequest("source path is required")
	}
	typ := DetectSourceType(path)
	if typ == TypeLocal {
		abs, err := filepath.Abs(path)
		if err != nil {
			return storage.Source{}, fmt.Errorf("resolve %s: %w", path, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return storage.Source{}, errors.NewInvalidRequest(fmt.Sprintf("source path %s: %v", abs, err))
		}
		path = abs
	}

	existing, err := s.store.FindSourceByPath(ctx, path)
	if err != nil {
		return storage.Source{}, err
	}
	if existing != nil {
		return *existing, errors.NewConflict(fmt.Sprintf("source %s already exists", path))
	}

	id, err := s.store.InsertSource(ctx, path, typ)
	if err != nil {
		return storage.Source{}, err
	}
	s.log.Info("source added", "id", id, "type", typ, "path", path)
	return storage.Source{ID: id, Path: path, Type: typ}, nil
}

// RunSync reconciles every source, several at a time. A failing source is
// reported in its SourceReport and does not stop the others.
func (s *Syncer) RunSync(ctx context.Context) (Report, error) {
	sources, err := s.store.GetAllSources(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to get sources: %w", err)
	}
	if len(sources) == 0 {
		s.log.Info("no sources configured")
		return Report{}, nil
	}

	s.log.Info("starting sync", "sources", len(sources), "workers", s.workers)
	reports := make([]SourceReport, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, source := range sources {
		g.Go(func() error {
			rep, err := s.SyncSource(gctx, source)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				rep.Errors = append(rep.Errors, err.Error())
				s.log.Error("source sync failed", "id", source.ID, "path", source.Path, "error", err)
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{Sources: reports}, err
	}

	report := Report{Sources: reports}
	s.log.Info("sync complete", "sources", len(sources), "inserted", report.Inserted())
	return report, nil
}

// SyncSource reconciles one source. Cards that vanished from the notes are
// reported as stale and kept.
func (s *Syncer) SyncSource(ctx context.Context, source storage.Source) (SourceReport, error) {
	rep := SourceReport{SourceID: source.ID, Path: source.Path, Type: source.Type}
	log := s.log.With("source_id", source.ID, "type", source.Type)

	root := source.Path
	if source.Type == TypeGit {
		localPath, err := gitsource.LocalPath(s.reposDir, source.Path)
		if err != nil {
			return rep, err
		}
		if err := s.fetch(ctx, source.Path, localPath, log); err != nil {
			return rep, err
		}
		root = localPath
	}

	info, err := os.Stat(root)
	if err != nil {
		return rep, fmt.Errorf("stat %s: %w", root, err)
	}
	base := root
	if !info.IsDir() {
		base = filepath.Dir(root)
	}

	now := s.now()
	var total ImportResult
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isNote(d.Name()) {
			return nil
		}
		rep.Files++

		rel, err := filepath.Rel(base, path)
		if err != nil {
			rel = d.Name()
		}
		res, err := s.importFile(ctx, source.ID, filepath.ToSlash(rel), path, now)
		total.add(res)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			rep.Errors = append(rep.Errors, err.Error())
		}
		return nil
	})
	rep.Parsed, rep.Inserted, rep.Existing = total.Parsed, total.Inserted, total.Existing
	if walkErr != nil {
		return rep, fmt.Errorf("walk %s: %w", root, walkErr)
	}

	stale, err := s.staleCards(ctx, source.ID, total.Hashes)
	if err != nil {
		return rep, err
	}
	rep.Stale = stale

	if err := s.store.UpdateSourceLastScanned(ctx, source.ID, now); err != nil {
		log.Warn("failed to update last scanned", "error", err)
	}

	log.Info("reconciliation complete",
		"path", root,
		"files", rep.Files,
		"parsed_cards", rep.Parsed,
		"inserted", rep.Inserted,
		"stale", len(rep.Stale),
		"errors", len(rep.Errors),
	)
	return rep, nil
}

func (s *Syncer) importFile(ctx context.Context, sourceID int64, ref, path string, now time.Time) (ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return ImportNotes(ctx, s.store, sourceID, ref, f, now)
}

func (s *Syncer) staleCards(ctx context.Context, sourceID int64, hashes []string) ([]string, error) {
	found := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		found[h] = true
	}
	cards, err := s.store.ListCards(ctx, domain.CardFilter{SourceID: sourceID})
	if err != nil {
		return nil, fmt.Errorf("list cards for source %d: %w", sourceID, err)
	}
	var stale []string
	for _, c := range cards {
		if !found[c.Hash] {
			stale = append(stale, c.ID)
		}
	}
	return stale, nil
}

func isNote(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown", ".txt":
		return true
	}
	return false
}
