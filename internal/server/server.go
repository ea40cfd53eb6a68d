package server

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zombor/receipt-assistant/internal/chat"
	"github.com/zombor/receipt-assistant/internal/imaging"
	"github.com/zombor/receipt-assistant/internal/llm"
	"github.com/zombor/receipt-assistant/internal/receipt"
	"github.com/zombor/receipt-assistant/internal/worker"
)

// Processor runs one receipt image through the pipeline
type Processor interface {
	Process(ctx context.Context, raw imaging.RawImage, cancel receipt.Canceller) (*receipt.Record, error)
}

// Exporter writes records somewhere the user can pick them up
type Exporter interface {
	Export(records []*receipt.Record) (string, error)
}

// TierReporter describes the configured model tiers
type TierReporter interface {
	Status() []llm.TierStatus
}

// Deps are the components the server exposes
type Deps struct {
	Pool      *worker.Pool
	Processor Processor
	Records   *receipt.Records
	Chat      *chat.Session
	Ledger    *llm.Ledger
	Tiers     TierReporter
	Exporter  Exporter
	// Exports is where Exporter writes workbooks; they are served back from it when set
	Exports receipt.Storage
	// Archive is optional; exported records are also written to it when set
	Archive receipt.Archive
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Server handles HTTP requests standing in for the desktop window
type Server struct {
	deps      Deps
	basicAuth BasicAuth
	mux       *http.ServeMux

	// failures keeps the classified error of failed jobs by job ID
	failures sync.Map
}

// NewServer creates a new Server with default mux
func NewServer(deps Deps, basicAuth BasicAuth) *Server {
	return NewServerWithMux(deps, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(deps Deps, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		deps:      deps,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Receipt Assistant"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// receipts and the jobs processing them
	s.mux.HandleFunc("POST /api/receipts", s.requireAuth(s.handleUploadReceipt))
	s.mux.HandleFunc("GET /api/jobs/{id}", s.requireAuth(s.handleGetJob))
	s.mux.HandleFunc("DELETE /api/jobs/{id}", s.requireAuth(s.handleCancelJob))
	s.mux.HandleFunc("GET /api/records/{id}", s.requireAuth(s.handleGetRecord))
	s.mux.HandleFunc("GET /api/records", s.requireAuth(s.handleListRecords))
	s.mux.HandleFunc("POST /api/export", s.requireAuth(s.handleExport))
	s.mux.HandleFunc("GET /api/exports/{name}", s.requireAuth(s.handleDownloadExport))
	s.mux.HandleFunc("DELETE /api/exports/{name}", s.requireAuth(s.handleDeleteExport))

	// records exported in earlier sessions
	s.mux.HandleFunc("GET /api/archive", s.requireAuth(s.handleListArchive))
	s.mux.HandleFunc("GET /api/archive/{id}", s.requireAuth(s.handleGetArchived))

	// chat
	s.mux.HandleFunc("POST /api/chat", s.requireAuth(s.handleSendChat))
	s.mux.HandleFunc("GET /api/chat", s.requireAuth(s.handleChatHistory))
	s.mux.HandleFunc("DELETE /api/chat", s.requireAuth(s.handleResetChat))

	// credits and tiers
	s.mux.HandleFunc("GET /api/credits", s.requireAuth(s.handleCredits))
}

// Consume applies pool events until the channel closes. Finished records are
// added to the session and become the chat's financial context.
func (s *Server) Consume(events <-chan worker.Event) {
	for ev := range events {
		switch ev.Kind {
		case worker.EventSucceeded:
			record, ok := ev.Result.(*receipt.Record)
			if !ok {
				slog.Warn("Job finished without a record", "job_id", ev.JobID)
				continue
			}
			s.deps.Records.Add(record)
			s.deps.Chat.SetContext(receipt.Summarize(s.deps.Records.List()))
			slog.Info("Receipt ready", "job_id", ev.JobID, "record_id", record.ID, "status", record.Status)
		case worker.EventFailed, worker.EventCancelled:
			slog.Info("Receipt not processed", "job_id", ev.JobID, "kind", ev.Kind, "error", ev.Err)
		case worker.EventProgress:
			slog.Debug("Receipt progress", "job_id", ev.JobID, "stage", ev.Stage)
		}
	}
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.mux).ServeHTTP(w, r)
}
