package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/receipt-assistant/internal/chat"
	"github.com/zombor/receipt-assistant/internal/imaging"
	"github.com/zombor/receipt-assistant/internal/llm"
	"github.com/zombor/receipt-assistant/internal/ocr"
	"github.com/zombor/receipt-assistant/internal/receipt"
	"github.com/zombor/receipt-assistant/internal/worker"
)

// maximum upload size, high-resolution phone photos included
const maxFormSize = int64(50 << 20)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// apiError is what clients see for a failed operation
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
	Detail  string `json:"detail,omitempty"`
}

// classify maps an error to a status code and an actionable message. A parse
// failure joined with the failed retry is reported as the parse failure.
func classify(err error) apiError {
	e := apiError{Code: http.StatusInternalServerError, Message: "Something went wrong while processing the request.", Detail: err.Error()}
	switch {
	case errors.Is(err, receipt.ErrCancelled):
		e.Code, e.Message = http.StatusConflict, "Processing was cancelled."
	case errors.Is(err, imaging.ErrImageDecode):
		e.Code, e.Message = http.StatusUnsupportedMediaType, "The file is not an image we can read. Use JPEG, PNG, HEIC or PDF."
	case errors.Is(err, imaging.ErrEmptyImage):
		e.Code, e.Message = http.StatusUnprocessableEntity, "The image is too small to be a receipt."
	case errors.Is(err, ocr.ErrNoTextDetected):
		e.Code, e.Message = http.StatusUnprocessableEntity, "No text was found on the receipt. Try a sharper photo."
	case errors.Is(err, receipt.ErrStructuringParse):
		e.Code, e.Message = http.StatusUnprocessableEntity, "The receipt text could not be turned into line items."
	case errors.Is(err, llm.ErrInsufficientCredits):
		e.Code, e.Message = http.StatusPaymentRequired, "Not enough credits left for any model."
	case errors.Is(err, llm.ErrAllTiersUnavailable):
		e.Code, e.Message = http.StatusServiceUnavailable, "No model is reachable right now. Please try again in a moment."
	case errors.Is(err, context.DeadlineExceeded):
		e.Code, e.Message = http.StatusGatewayTimeout, "Processing took too long."
	}
	return e
}

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes an error as JSON with CORS headers set
func jsonError(w http.ResponseWriter, e apiError) {
	setCORSHeaders(w)
	writeJSON(w, e.Code, e)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// jobControl lets the pipeline see cancellation and report stages of a pool job
type jobControl struct {
	job *worker.Job
}

func (c jobControl) Cancelled() bool { return c.job.Cancelled() }

func (c jobControl) Report(stage receipt.Stage) { c.job.Report(string(stage)) }

// handleUploadReceipt queues an uploaded receipt image for processing
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		if err.Error() == "http: request body too large" {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		jsonError(w, apiError{Code: http.StatusBadRequest, Message: errorMsg})
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		jsonError(w, apiError{Code: http.StatusBadRequest, Message: errorMsg})
		return
	}
	defer f.Close()

	if header.Size > maxFormSize {
		jsonError(w, apiError{Code: http.StatusBadRequest, Message: "File is too large. Maximum size is 50MB. Please compress or resize your image."})
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, apiError{Code: http.StatusInternalServerError, Message: "Error reading file. Please try again."})
		return
	}

	// The decoder sniffs content; the type only helps with HEIC and PDF
	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
	}

	raw := imaging.RawImage{Data: data, Format: contentType}
	filename := receipt.SanitizeFilename(header.Filename)

	id, err := s.deps.Pool.Submit(r.Context(), filename, func(ctx context.Context, job *worker.Job) (any, error) {
		record, err := s.deps.Processor.Process(ctx, raw, jobControl{job})
		if err != nil {
			s.failures.Store(job.ID, classify(err))
			return nil, err
		}
		record.Filename = filename
		return record, nil
	})
	if err != nil {
		slog.Error("Error queueing receipt", "filename", filename, "error", err)
		jsonError(w, apiError{Code: http.StatusServiceUnavailable, Message: "Receipts cannot be accepted right now.", Detail: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":     id,
		"status_url": "/api/jobs/" + id,
	})
}

type jobResponse struct {
	worker.Status
	Failure *apiError `json:"failure,omitempty"`
}

// handleGetJob reports the state of a processing job
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.deps.Pool.Status(id)
	if err != nil {
		corsError(w, "Job not found", http.StatusNotFound)
		return
	}

	resp := jobResponse{Status: st}
	if v, ok := s.failures.Load(id); ok {
		e := v.(apiError)
		resp.Failure = &e
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCancelJob cancels a queued or running job
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.deps.Pool.Cancel(id)
	switch {
	case errors.Is(err, worker.ErrUnknownJob):
		corsError(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, worker.ErrJobFinished):
		corsError(w, "Job already finished", http.StatusConflict)
	case err != nil:
		corsError(w, "Error cancelling job", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleListRecords returns every record processed in this session
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Records.List())
}

// handleGetRecord returns a single record
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.deps.Records.Get(r.PathValue("id"))
	if err != nil {
		corsError(w, "Record not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleExport writes the session's records to a workbook and the archive
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	records := s.deps.Records.List()

	path, err := s.deps.Exporter.Export(records)
	if errors.Is(err, receipt.ErrNothingToExport) {
		jsonError(w, apiError{Code: http.StatusConflict, Message: "There are no processed receipts to export yet."})
		return
	}
	if err != nil {
		slog.Error("Error exporting records", "error", err)
		jsonError(w, apiError{Code: http.StatusInternalServerError, Message: "Export failed.", Detail: err.Error()})
		return
	}

	if s.deps.Archive != nil {
		if err := s.deps.Archive.Save(records...); err != nil {
			slog.Error("Error archiving records", "error", err)
			jsonError(w, apiError{Code: http.StatusInternalServerError, Message: "Export written but archiving failed.", Detail: err.Error()})
			return
		}
	}

	name := filepath.Base(path)
	slog.Info("Exported records", "path", path, "records", len(records))
	writeJSON(w, http.StatusCreated, map[string]any{
		"path":         path,
		"name":         name,
		"download_url": "/api/exports/" + name,
		"records":      len(records),
	})
}

// handleDownloadExport serves a previously exported workbook
func (s *Server) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Exports == nil {
		corsError(w, "Export not found", http.StatusNotFound)
		return
	}

	name := filepath.Base(r.PathValue("name"))
	data, err := s.deps.Exports.Get(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			corsError(w, "Export not found", http.StatusNotFound)
			return
		}
		slog.Error("Error reading export", "name", name, "error", err)
		corsError(w, "Error reading export", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Write(data)
}

// handleDeleteExport removes an exported workbook
func (s *Server) handleDeleteExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Exports == nil {
		corsError(w, "Export not found", http.StatusNotFound)
		return
	}

	name := filepath.Base(r.PathValue("name"))
	if err := s.deps.Exports.Delete(name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			corsError(w, "Export not found", http.StatusNotFound)
			return
		}
		slog.Error("Error deleting export", "name", name, "error", err)
		corsError(w, "Error deleting export", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListArchive returns every archived record, oldest first
func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		corsError(w, "Archive is not enabled", http.StatusNotFound)
		return
	}

	records, err := s.deps.Archive.List()
	if err != nil {
		slog.Error("Error listing archive", "error", err)
		corsError(w, "Error reading archive", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleGetArchived returns one archived record
func (s *Server) handleGetArchived(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		corsError(w, "Archive is not enabled", http.StatusNotFound)
		return
	}

	record, err := s.deps.Archive.Get(r.PathValue("id"))
	if errors.Is(err, receipt.ErrRecordNotFound) {
		corsError(w, "Record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Error reading archive", "error", err)
		corsError(w, "Error reading archive", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type chatRequest struct {
	Message string `json:"message"`
	Tier    string `json:"tier"`
}

// handleSendChat sends one user turn and returns the reply
func (s *Server) handleSendChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		corsError(w, "Message is required", http.StatusBadRequest)
		return
	}
	tier, err := llm.ParseTier(req.Tier)
	if err != nil {
		corsError(w, err.Error(), http.StatusBadRequest)
		return
	}

	reply := s.deps.Chat.Send(r.Context(), req.Message, tier)
	writeJSON(w, http.StatusOK, reply)
}

// handleChatHistory returns the displayed conversation
func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	history := s.deps.Chat.History()
	if history == nil {
		history = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, history)
}

// handleResetChat clears the conversation
func (s *Server) handleResetChat(w http.ResponseWriter, r *http.Request) {
	s.deps.Chat.Reset()
	w.WriteHeader(http.StatusNoContent)
}

type creditsResponse struct {
	Balance      int64             `json:"balance"`
	Available    int64             `json:"available"`
	Transactions []llm.Transaction `json:"transactions"`
	Tiers        []llm.TierStatus  `json:"tiers"`
}

// handleCredits reports the ledger and the state of each tier
func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	resp := creditsResponse{
		Balance:      s.deps.Ledger.Balance(),
		Available:    s.deps.Ledger.Available(),
		Transactions: s.deps.Ledger.Transactions(),
		Tiers:        []llm.TierStatus{},
	}
	if s.deps.Tiers != nil {
		resp.Tiers = s.deps.Tiers.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}
