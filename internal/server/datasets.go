package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/kingrea/stepforge/internal/dataset"
)

const multipartMemory = 8 << 20

func (s *Server) handleUploadDataset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.settings.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds limit")
			return
		}
		writeError(w, http.StatusBadRequest, "expected a multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file uploaded; send it in the \"file\" field")
		return
	}
	defer file.Close()

	rec := dataset.Record{
		Name:        r.FormValue("name"),
		Description: r.FormValue("description"),
		Type:        dataset.Type(r.FormValue("type")),
		FileName:    header.Filename,
		FileType:    header.Header.Get("Content-Type"),
		UserID:      r.FormValue("userId"),
	}
	if raw := strings.TrimSpace(r.FormValue("metadata")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
			writeError(w, http.StatusBadRequest, "metadata must be a JSON object")
			return
		}
	}
	created, err := s.datasets.Create(rec, file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Printf("server: stored dataset %s (%s, %d bytes)", created.ID, created.Name, created.FileSize)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	records, err := s.datasets.List(r.URL.Query().Get("userId"))
	if err != nil {
		s.writeDatasetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	rec, err := s.datasets.Get(r.PathValue("id"))
	if err != nil {
		s.writeDatasetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePreviewDataset(w http.ResponseWriter, r *http.Request) {
	preview, err := s.datasets.Preview(r.PathValue("id"))
	if err != nil {
		s.writeDatasetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	if err := s.datasets.Delete(r.PathValue("id")); err != nil {
		s.writeDatasetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "dataset deleted"})
}

func (s *Server) writeDatasetError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dataset.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dataset.ErrNotTabular):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	default:
		s.logger.Printf("server: dataset request: %v", err)
		writeError(w, http.StatusInternalServerError, "dataset request failed")
	}
}
