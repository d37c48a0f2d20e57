package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/chriskillpack/curio"
	"github.com/chriskillpack/curio/appraiser"
	"github.com/google/uuid"
)

// Uploads beyond this are spooled to disk by the multipart reader.
const maxMemory = 32 << 20

type ServerOptions struct {
	Host, Port     string
	AllowedOrigins []string // "*" allows any origin
	MaxUploadBytes int64
}

type Server struct {
	hs     *http.Server
	c      *curio.Curio
	opts   ServerOptions
	logger *log.Logger
}

func NewServer(c *curio.Curio, opts ServerOptions, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	srv := &Server{
		c:      c,
		opts:   opts,
		logger: logger,
	}

	srv.hs = &http.Server{
		Addr:              net.JoinHostPort(opts.Host, opts.Port),
		Handler:           srv.serveHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv
}

func (s *Server) Start() error {
	s.logger.Printf("listening on %s, backend %s model %s", s.hs.Addr, s.c.Backend().Name(), s.c.Backend().Model())
	return s.hs.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.hs.Shutdown(ctx)
}

func (s *Server) serveHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", s.serveHealth())
	mux.Handle("POST /api/analyze", s.serveAnalyze("images"))
	mux.Handle("POST /analyze_multiple", s.serveAnalyze("files"))
	mux.Handle("POST /analyze_one", s.serveAnalyzeOne())
	mux.Handle("POST /resize_image", s.serveResize())
	mux.Handle("GET /api/requests", s.serveRequests())
	mux.Handle("GET /{$}", s.serveRoot())

	return s.withCORS(s.withRequestID(mux))
}

func (s *Server) serveRoot() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"msg": "curio server is running."})
	}
}

func (s *Server) serveHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !s.c.Backend().IsHealthy() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "backend is not responding"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "backend": s.c.Backend().Name()})
	}
}

// serveAnalyze sends every file uploaded under field to the model in one
// request.
func (s *Server) serveAnalyze(field string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		files, err := s.readUploads(w, req, field)
		if err != nil {
			s.writeUploadError(w, req, err)
			return
		}

		images := make([][]byte, len(files))
		for i, f := range files {
			images[i] = f.data
		}
		result := s.c.Analyze(req.Context(), req.URL.Path, images)
		writeJSON(w, http.StatusOK, map[string]string{"result": result})
	}
}

// serveAnalyzeOne is the single image variant, kept for older clients.
func (s *Server) serveAnalyzeOne() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		files, err := s.readUploads(w, req, "file")
		if err == nil && len(files) > 1 {
			err = &appraiser.UploadError{Index: -1, Err: appraiser.ErrTooManyImages}
		}
		if err != nil {
			s.writeUploadError(w, req, err)
			return
		}

		result := s.c.Analyze(req.Context(), req.URL.Path, [][]byte{files[0].data})
		writeJSON(w, http.StatusOK, map[string]string{"result": result})
	}
}

func (s *Server) serveResize() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		files, err := s.readUploads(w, req, "file")
		if err != nil {
			s.writeUploadError(w, req, err)
			return
		}

		res, err := s.c.Resize(req.Context(), files[0].name, files[0].data)
		if err != nil {
			s.logger.Printf("[%s] resize %q - %s", curio.RequestID(req.Context()), files[0].name, err)
			status := http.StatusInternalServerError
			var de *appraiser.DecodeError
			if errors.As(err, &de) {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}

		resp := struct {
			Message    string `json:"message"`
			Width      int    `json:"width"`
			Height     int    `json:"height"`
			Bytes      int    `json:"bytes"`
			OutputPath string `json:"output_path,omitempty"`
		}{
			Message: "image already within bounds",
			Width:   res.Width,
			Height:  res.Height,
			Bytes:   len(res.Data),
		}
		if res.Resized {
			resp.Message = "image resized"
		}
		if res.OutputPath != "" {
			resp.Message += " and saved"
			resp.OutputPath = res.OutputPath
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) serveRequests() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		db := s.c.DB()
		if db == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "request ledger disabled"})
			return
		}

		limit := 20
		if v := req.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, 200)
		}

		recs, err := db.RecentRequests(req.Context(), limit)
		if err != nil {
			s.logger.Printf("RecentRequests error - %s", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": http.StatusText(http.StatusInternalServerError)})
			return
		}
		counts, err := db.CountByOutcome(req.Context())
		if err != nil {
			s.logger.Printf("CountByOutcome error - %s", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": http.StatusText(http.StatusInternalServerError)})
			return
		}

		type row struct {
			Id         string    `json:"id"`
			Endpoint   string    `json:"endpoint"`
			Backend    string    `json:"backend"`
			Model      string    `json:"model"`
			ImageCount int       `json:"image_count"`
			ImageBytes int       `json:"image_bytes"`
			Outcome    string    `json:"outcome"`
			Error      string    `json:"error,omitempty"`
			StartedAt  time.Time `json:"started_at"`
			DurationMS int64     `json:"duration_ms"`
		}
		results := struct {
			Counts   map[string]int `json:"counts"`
			Requests []row          `json:"requests"`
		}{Counts: counts, Requests: make([]row, len(recs))}
		for i, r := range recs {
			results.Requests[i] = row{
				Id:         r.Id,
				Endpoint:   r.Endpoint,
				Backend:    r.Backend,
				Model:      r.Model,
				ImageCount: r.ImageCount,
				ImageBytes: r.ImageBytes,
				Outcome:    r.Outcome,
				Error:      r.ErrorText.String,
				StartedAt:  r.StartedAt,
				DurationMS: r.Duration.Milliseconds(),
			}
		}
		writeJSON(w, http.StatusOK, results)
	}
}

type upload struct {
	name string
	data []byte
}

// readUploads returns the files posted under field in the order they were
// sent. Any failure is an *appraiser.UploadError.
func (s *Server) readUploads(w http.ResponseWriter, req *http.Request, field string) ([]upload, error) {
	if s.opts.MaxUploadBytes > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, s.opts.MaxUploadBytes)
	}

	if err := req.ParseMultipartForm(maxMemory); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, &appraiser.UploadError{Index: -1, Err: appraiser.ErrNoImages}
		}
		return nil, &appraiser.UploadError{Index: -1, Err: fmt.Errorf("reading upload - %w", err)}
	}
	defer req.MultipartForm.RemoveAll()

	headers := req.MultipartForm.File[field]
	if len(headers) == 0 {
		return nil, &appraiser.UploadError{Index: -1, Err: appraiser.ErrNoImages}
	}

	files := make([]upload, len(headers))
	for i, fh := range headers {
		data, err := readFile(fh)
		if err != nil {
			return nil, &appraiser.UploadError{Index: i, Err: fmt.Errorf("reading %q - %w", fh.Filename, err)}
		}
		if len(data) == 0 {
			return nil, &appraiser.UploadError{Index: i, Err: appraiser.ErrEmptyImage}
		}
		files[i] = upload{name: fh.Filename, data: data}
	}

	return files, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

func (s *Server) writeUploadError(w http.ResponseWriter, req *http.Request, err error) {
	s.logger.Printf("[%s] %s upload - %s", curio.RequestID(req.Context()), req.URL.Path, err)

	status := http.StatusBadRequest
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		status = http.StatusRequestEntityTooLarge
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, req.WithContext(curio.WithRequestID(req.Context(), id)))
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	anyOrigin := slices.Contains(s.opts.AllowedOrigins, "*")

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		if origin != "" && (anyOrigin || slices.Contains(s.opts.AllowedOrigins, origin)) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")

			if req.Method == http.MethodOptions && req.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				if rh := req.Header.Get("Access-Control-Request-Headers"); rh != "" {
					h.Set("Access-Control-Allow-Headers", rh)
				}
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		next.ServeHTTP(w, req)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}
