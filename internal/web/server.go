package web

import (
	"context"
	"embed"
	stderrors "errors"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/breznaiandras2006-collab/exammentor/internal/domain"
	"github.com/breznaiandras2006-collab/exammentor/internal/logger"
	"github.com/breznaiandras2006-collab/exammentor/internal/session"
	"github.com/breznaiandras2006-collab/exammentor/internal/storage"
	"github.com/breznaiandras2006-collab/exammentor/internal/sync"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// CardLister lists stored cards.
type CardLister interface {
	ListCards(ctx context.Context, filter domain.CardFilter) ([]domain.Flashcard, error)
}

// CardStore lists stored cards and accepts hand-written ones.
type CardStore interface {
	CardLister
	sync.CardStore
}

// SourceLister lists configured note sources.
type SourceLister interface {
	GetAllSources(ctx context.Context) ([]storage.Source, error)
}

// Deps holds the dependencies for the HTTP server. Sources and Syncer may
// be nil, which disables source management.
type Deps struct {
	Cards   CardStore
	Sources SourceLister
	Runner  *session.Runner
	Syncer  *sync.Syncer
	Log     *logger.Logger
}

// NewHandler builds the routed HTTP handler for the study UI.
func NewHandler(deps Deps) http.Handler {
	log := logger.OrNop(deps.Log).With("component", "web")

	// Create sub-FS for templates (strip "templates/" prefix)
	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		panic(err)
	}

	// Create sub-FS for static files (strip "static/" prefix)
	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}

	h := &Handlers{
		deps:     deps,
		renderer: NewRenderer(templateSub, log),
		log:      log,
	}

	mux := http.NewServeMux()

	// Routes using Go 1.22+ pattern syntax
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/deck", http.StatusFound)
	})
	mux.HandleFunc("GET /deck", h.HandleDeck)
	mux.HandleFunc("POST /cards", h.HandleAddCard)
	mux.HandleFunc("POST /sessions", h.HandleStartSession)
	mux.HandleFunc("GET /sessions/{id}", h.HandleSession)
	mux.HandleFunc("GET /sessions/{id}/reveal", h.HandleReveal)
	mux.HandleFunc("POST /sessions/{id}/answer", h.HandleAnswer)
	mux.HandleFunc("POST /sessions/{id}/end", h.HandleEndSession)
	mux.HandleFunc("GET /stats", h.HandleStats)
	mux.HandleFunc("GET /api/stats", h.HandleAPIStats)
	mux.HandleFunc("GET /export", h.HandleExport)
	mux.HandleFunc("GET /export.csv", h.HandleExport)
	if deps.Sources != nil && deps.Syncer != nil {
		mux.HandleFunc("GET /sources", h.HandleSources)
		mux.HandleFunc("POST /sources", h.HandleAddSource)
		mux.HandleFunc("POST /sync", h.HandleSync)
	}

	// Static file server
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(staticSub)))

	// Wrap with security headers
	return securityHeaders(mux)
}

// NewServer creates the HTTP server for the study UI.
func NewServer(addr string, deps Deps) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Run serves srv until ctx is done, then shuts it down gracefully.
func Run(ctx context.Context, srv *http.Server, log *logger.Logger) error {
	log = logger.OrNop(log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info("study UI running", "addr", srv.Addr)
	if strings.HasPrefix(srv.Addr, ":") || strings.Contains(srv.Addr, "0.0.0.0") {
		log.Warn("server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
