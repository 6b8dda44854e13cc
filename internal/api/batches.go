package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
	"github.com/JakeFAU/sheet-image-republisher/internal/storage"
)

const (
	defaultBatchLimit = 500
	maxBatchLimit     = 500
	enqueueTimeout    = 5 * time.Second
)

// ValidationError is a rejected upload; the batch is never created.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// createBatch handles POST /api/batches (multipart: file, mode). It returns
// {"ok": true, "id": "..."} on success and 400 for anything but an .xlsx upload.
func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadLimit)
	filename, data, mode, err := readUpload(r)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, http.StatusBadRequest, verr.Msg)
			return
		}
		s.logger.Error("read upload failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read upload")
		return
	}

	id, err := s.submit(r.Context(), filename, data, mode)
	if err != nil {
		s.logger.Error("submit batch failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to submit batch")
		return
	}
	s.logger.Info("batch submitted",
		zap.String("batch_id", id),
		zap.String("filename", filename),
		zap.String("mode", string(mode)),
	)
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

func readUpload(r *http.Request) (string, []byte, batch.Mode, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, "", &ValidationError{Msg: "upload too large"}
		}
		return "", nil, "", &ValidationError{Msg: "expected a multipart form"}
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, "", &ValidationError{Msg: "missing file"}
	}
	defer func() { _ = file.Close() }()

	filename := path.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
	if !strings.HasSuffix(strings.ToLower(filename), ".xlsx") {
		return "", nil, "", &ValidationError{Msg: "expected an .xlsx file"}
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, "", fmt.Errorf("read file: %w", err)
	}

	mode := batch.ModeA
	if raw := r.FormValue("mode"); raw != "" {
		mode = batch.NormalizeMode(raw)
	}
	return filename, data, mode, nil
}

// submit stores the input and metadata, creates the queued record and
// enqueues the job, in that order, so a worker never sees a record without
// its input.
func (s *Server) submit(ctx context.Context, filename string, data []byte, mode batch.Mode) (string, error) {
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate batch id: %w", err)
	}
	if err := s.deps.Artifacts.SaveInput(ctx, id, data); err != nil {
		return "", fmt.Errorf("save input: %w", err)
	}
	if err := s.deps.Artifacts.SaveMeta(ctx, id, batch.Meta{Mode: mode}); err != nil {
		return "", fmt.Errorf("save meta: %w", err)
	}
	record := batch.Batch{
		ID:               id,
		Status:           batch.StatusQueued,
		CreatedAt:        s.deps.Clock.Now().UTC(),
		OriginalFilename: filename,
		Mode:             mode,
	}
	if err := s.deps.Store.Create(ctx, record); err != nil {
		return "", fmt.Errorf("create record: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	if err := s.deps.Queue.EnqueueBatch(queueCtx, id); err != nil {
		return "", fmt.Errorf("enqueue batch: %w", err)
	}
	return id, nil
}

// listBatches handles GET /api/batches?limit=. Records that vanished between
// the index read and the record read are skipped.
func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultBatchLimit, maxBatchLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := s.deps.Store.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("list batches failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	out := make([]batch.Batch, 0, len(ids))
	for _, id := range ids {
		b, err := s.deps.Store.Get(r.Context(), id)
		if errors.Is(err, batch.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Error("load batch failed", zap.String("batch_id", id), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to list batches")
			return
		}
		out = append(out, b)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"batches": out})
}

// getBatch handles GET /api/batches/{id}: the record plus its per-cell errors.
func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, id, err, "failed to load batch")
		return
	}
	cellErrors, err := s.deps.Store.ListErrors(r.Context(), id)
	if err != nil {
		s.logger.Warn("list cell errors failed", zap.String("batch_id", id), zap.Error(err))
		cellErrors = nil
	}
	if cellErrors == nil {
		cellErrors = []batch.CellError{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"batch": b, "errors": cellErrors})
}

// cancelBatch handles POST /api/batches/{id}/cancel. The flag is raised first
// so a running worker sees it; repeating the request is harmless. Cancelling a
// batch that already finished is a 409.
func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.Get(r.Context(), id); err != nil {
		s.storeError(w, id, err, "failed to cancel batch")
		return
	}
	if err := s.deps.Store.SetCancel(r.Context(), id); err != nil {
		s.logger.Error("set cancel flag failed", zap.String("batch_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to cancel batch")
		return
	}
	// Transition reads then writes. A worker that settles the batch as done in
	// between can be overwritten to cancelled; the output workbook it saved
	// stays downloadable.
	current, err := batch.Transition(r.Context(), s.deps.Store, id, batch.StatusCancelled, batch.Fields{})
	if errors.Is(err, batch.ErrInvalidTransition) {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("batch is %s", current.Status))
		return
	}
	if err != nil {
		s.storeError(w, id, err, "failed to cancel batch")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id, "status": current.Status})
}

// deleteBatch handles DELETE /api/batches/{id}: files are removed and the
// record is kept with status=deleted. A worker still running the batch
// removes whatever it stores afterwards.
func (s *Server) deleteBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Purger.Delete(r.Context(), id); err != nil {
		s.storeError(w, id, err, "failed to delete batch")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// downloadBatch handles GET /api/batches/{id}/download.
func (s *Server) downloadBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := s.deps.Artifacts.OpenOutput(r.Context(), id)
	if err != nil {
		s.artifactError(w, id, err, "output not available")
		return
	}
	w.Header().Set("Content-Type", storage.XLSXContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="batch-%s.xlsx"`, id))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write download failed", zap.String("batch_id", id), zap.Error(err))
	}
}

// serveImage handles GET /api/i/{id}/{nice}.
func (s *Server) serveImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	nice := chi.URLParam(r, "nice")
	data, err := s.deps.Artifacts.OpenImage(r.Context(), id, nice)
	if err != nil {
		s.artifactError(w, id, err, "image not found")
		return
	}
	w.Header().Set("Content-Type", storage.JPEGContentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write image failed", zap.String("batch_id", id), zap.Error(err))
	}
}

func (s *Server) storeError(w http.ResponseWriter, id string, err error, msg string) {
	if errors.Is(err, batch.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	s.logger.Error(msg, zap.String("batch_id", id), zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, msg)
}

func (s *Server) artifactError(w http.ResponseWriter, id string, err error, notFound string) {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidKey) {
		s.writeError(w, http.StatusNotFound, notFound)
		return
	}
	s.logger.Error("artifact read failed", zap.String("batch_id", id), zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "failed to read artifact")
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(limit, maxLimit), nil
}
