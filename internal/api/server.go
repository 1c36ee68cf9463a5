package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/emprende/internal/pipeline"
)

// DefaultMaxUploadBytes bounds a single uploaded file.
const DefaultMaxUploadBytes = 10 << 20

// formOverhead is allowed on top of the file limit for the other form parts.
const formOverhead = 1 << 20

var errTooLarge = errors.New("upload too large")

// ChatHandler is the pipeline entry point.
type ChatHandler interface {
	Handle(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// Pinger reports whether the durable store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router    *chi.Mux
	port      int
	chat      ChatHandler
	pinger    Pinger
	maxUpload int64
	logger    *slog.Logger
	http      *http.Server
}

// Options are the optional parts of the server.
type Options struct {
	Metrics        http.Handler
	Pinger         Pinger
	MaxUploadBytes int64
}

func NewServer(port int, chat ChatHandler, opts Options, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		port:      port,
		chat:      chat,
		pinger:    opts.Pinger,
		maxUpload: opts.MaxUploadBytes,
		logger:    logger,
	}
	if s.maxUpload <= 0 {
		s.maxUpload = DefaultMaxUploadBytes
	}

	router.Get("/health", s.health)
	if opts.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	router.Post("/api/chat", s.handleChat)

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown waits for in-flight requests up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

type documentResponse struct {
	Accepted   bool     `json:"accepted"`
	Cached     bool     `json:"cached,omitempty"`
	Kind       string   `json:"kind,omitempty"`
	Status     string   `json:"status,omitempty"`
	Score      int      `json:"score"`
	Incomplete []string `json:"incomplete,omitempty"`
}

type chatResponse struct {
	Response string            `json:"response"`
	Phase    string            `json:"phase"`
	Document *documentResponse `json:"document,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+formOverhead)

	req, err := s.decodeChat(r)
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.Is(err, errTooLarge) || errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "El archivo supera el tamaño permitido.")
			return
		}
		s.logger.Debug("bad chat request", "error", err)
		writeError(w, http.StatusBadRequest, "Solicitud inválida.")
		return
	}

	resp, err := s.chat.Handle(r.Context(), req)
	if errors.Is(err, pipeline.ErrMissingIdentity) {
		writeError(w, http.StatusBadRequest, "user_id es obligatorio.")
		return
	}
	if err != nil {
		s.logger.Error("chat failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Ocurrió un error inesperado.")
		return
	}

	out := chatResponse{Response: resp.Reply, Phase: string(resp.Phase)}
	if d := resp.Document; d != nil {
		out.Document = &documentResponse{
			Accepted:   d.Accepted,
			Cached:     d.Cached,
			Kind:       string(d.Kind),
			Status:     string(d.Status),
			Score:      d.Score,
			Incomplete: d.Incomplete,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// decodeChat accepts multipart forms with an optional "pdf" or "file" part,
// urlencoded forms, and JSON bodies.
func (s *Server) decodeChat(r *http.Request) (pipeline.Request, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(s.maxUpload); err != nil {
			return pipeline.Request{}, fmt.Errorf("parse multipart: %w", err)
		}
		req := pipeline.Request{
			Identity: r.FormValue("user_id"),
			Message:  r.FormValue("message"),
		}
		att, err := s.attachment(r.MultipartForm)
		if err != nil {
			return pipeline.Request{}, err
		}
		req.Attachment = att
		return req, nil
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return pipeline.Request{}, fmt.Errorf("parse form: %w", err)
		}
		return pipeline.Request{Identity: r.FormValue("user_id"), Message: r.FormValue("message")}, nil
	default:
		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return pipeline.Request{}, fmt.Errorf("decode json: %w", err)
		}
		return pipeline.Request{Identity: body.UserID, Message: body.Message}, nil
	}
}

func (s *Server) attachment(form *multipart.Form) (*pipeline.Attachment, error) {
	for _, field := range []string{"pdf", "file"} {
		headers := form.File[field]
		if len(headers) == 0 {
			continue
		}
		fh := headers[0]
		if fh.Size > s.maxUpload {
			return nil, fmt.Errorf("%w: %d bytes", errTooLarge, fh.Size)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open upload: %w", err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("read upload: %w", err)
		}
		return &pipeline.Attachment{Name: fh.Filename, Data: data}, nil
	}
	return nil, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
