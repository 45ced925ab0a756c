// handlers_files.go - File upload, metadata, download and delete endpoints.
package server

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// handleFileUpload stores the raw request body as a new file. The name comes
// from the file_name header; the response body is the file's URL.
func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	fileName := r.Header.Get("file_name")
	if fileName == "" {
		http.Error(w, "file_name header is required", http.StatusBadRequest)
		return
	}
	if strings.ContainsAny(fileName, "/\\") {
		http.Error(w, "file_name must not contain path separators", http.StatusBadRequest)
		return
	}

	record, err := s.files.Create(r.Context(), identity.UserID, fileName, r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s/files/%s/%s", s.cfg.BaseURL, record.FileID, url.PathEscape(record.FileName))
}

// fileFromRequest resolves the {file_id}/{file_name} path pair to a record.
func (s *Server) fileFromRequest(r *http.Request) (*FileRecord, error) {
	id, err := ParseFileID(chi.URLParam(r, "file_id"))
	if err != nil {
		return nil, ErrNotFound
	}

	record, err := s.files.Info(r.Context(), id)
	if err != nil {
		return nil, err
	}

	if record.FileName != chi.URLParam(r, "file_name") {
		return nil, ErrNotFound
	}
	return record, nil
}

func (s *Server) handleFileInfo(w http.ResponseWriter, r *http.Request) {
	record, err := s.fileFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	record, err := s.fileFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	content, err := s.files.Content(r.Context(), record.FileID, record.FileName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(record.FileSize, 10))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(record.FileName)))

	if _, err := io.Copy(w, content); err != nil {
		s.log.Error("stream file",
			zap.Stringer("file_id", record.FileID),
			zap.Error(err),
		)
	}
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	record, err := s.fileFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.files.Delete(r.Context(), record.FileID, record.FileName, *identity); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
