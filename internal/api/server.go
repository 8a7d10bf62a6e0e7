// Package api exposes the HTTP endpoints for uploads, asset reads, and the
// share workflow. The identity provider sits in front of this service; the
// authenticated caller arrives as the X-User-ID header and is trusted here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dstanner/shutterbox/internal/config"
	"github.com/dstanner/shutterbox/internal/ingest"
	"github.com/dstanner/shutterbox/internal/model"
	"github.com/dstanner/shutterbox/internal/share"
	"github.com/dstanner/shutterbox/internal/storage"
)

// ImageStore is the read access the API needs to image metadata.
type ImageStore interface {
	GetImage(ctx context.Context, id string) (*model.Image, error)
}

// BlobStore streams stored assets back to authorized viewers.
type BlobStore interface {
	GetOriginal(ctx context.Context, key string) ([]byte, error)
	GetDerived(ctx context.Context, key string) ([]byte, error)
}

// Server wires the coordinator, the share engine, and the stores into HTTP
// handlers.
type Server struct {
	cfg         *config.Config
	coordinator *ingest.Coordinator
	engine      *share.Engine
	images      ImageStore
	blobs       BlobStore
	log         *zap.SugaredLogger
	server      *http.Server
	once        sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, coordinator *ingest.Coordinator, engine *share.Engine, images ImageStore, blobs BlobStore, log *zap.SugaredLogger) *Server {
	return &Server{
		cfg:         cfg,
		coordinator: coordinator,
		engine:      engine,
		images:      images,
		blobs:       blobs,
		log:         log,
	}
}

// Handler builds the route table. Run uses it; tests hit it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/images", s.handleImages)
	mux.HandleFunc("/images/", s.handleImageRoute)
	mux.HandleFunc("/shares", s.handleShares)
	mux.HandleFunc("/shares/", s.handleShareRoute)
	return s.loggingMiddleware(mux)
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Infow("api listening", "address", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handleUpload(w, r)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.identity(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "file exceeds size limit", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "expecting multipart file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	visibility := model.Visibility(r.FormValue("visibility"))
	img, err := s.coordinator.Ingest(r.Context(), caller, header.Filename, visibility, file)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrTooLarge):
			http.Error(w, "file exceeds size limit", http.StatusRequestEntityTooLarge)
		case errors.Is(err, ingest.ErrInvalidFormat):
			http.Error(w, "unsupported image format", http.StatusUnsupportedMediaType)
		default:
			s.log.Errorw("ingest failed", "owner", caller, "error", err)
			http.Error(w, "failed to store image", http.StatusInternalServerError)
		}
		return
	}
	respondJSON(w, http.StatusAccepted, img)
}

func (s *Server) handleImageRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/images/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleImageInfo(w, r, id)
		return
	}
	switch parts[1] {
	case "original", "thumbnail", "preview":
		s.handleAsset(w, r, id, parts[1])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleImageInfo(w http.ResponseWriter, r *http.Request, id string) {
	caller, ok := s.identity(w, r)
	if !ok {
		return
	}
	img, allowed := s.authorizeView(w, r, caller, id)
	if !allowed {
		return
	}
	respondJSON(w, http.StatusOK, img)
}

// handleAsset serves original/thumbnail/preview bytes. Every variant passes
// through the same CanView gate; the blurred preview is not a public surface.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request, id, variant string) {
	caller, ok := s.identity(w, r)
	if !ok {
		return
	}
	img, allowed := s.authorizeView(w, r, caller, id)
	if !allowed {
		return
	}

	var (
		data        []byte
		contentType string
		err         error
	)
	switch variant {
	case "original":
		data, err = s.blobs.GetOriginal(r.Context(), img.OriginalPath)
		contentType = img.ContentType
	case "thumbnail":
		if img.Status != model.ImageReady || img.ThumbnailPath == nil {
			respondJSON(w, http.StatusAccepted, map[string]string{"status": string(img.Status)})
			return
		}
		data, err = s.blobs.GetDerived(r.Context(), *img.ThumbnailPath)
		contentType = "image/jpeg"
	case "preview":
		if img.Status != model.ImageReady || img.PreviewPath == nil {
			respondJSON(w, http.StatusAccepted, map[string]string{"status": string(img.Status)})
			return
		}
		data, err = s.blobs.GetDerived(r.Context(), *img.PreviewPath)
		contentType = "image/jpeg"
	}
	if err != nil {
		s.log.Errorw("asset read failed", "image_id", id, "variant", variant, "error", err)
		http.Error(w, "asset unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// authorizeView loads the image and applies CanView. An unauthorized viewer
// of a private image gets the same 404 as a nonexistent id.
func (s *Server) authorizeView(w http.ResponseWriter, r *http.Request, caller, imageID string) (*model.Image, bool) {
	img, err := s.images.GetImage(r.Context(), imageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.NotFound(w, r)
			return nil, false
		}
		s.log.Errorw("load image failed", "image_id", imageID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	allowed, err := s.engine.CanView(r.Context(), caller, imageID)
	if err != nil {
		s.log.Errorw("authorization check failed", "image_id", imageID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	if !allowed {
		http.NotFound(w, r)
		return nil, false
	}
	return img, true
}

type shareRequestBody struct {
	ImageID string `json:"imageId"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleShares(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caller, ok := s.identity(w, r)
	if !ok {
		return
	}
	var body shareRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ImageID == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req, err := s.engine.RequestShare(r.Context(), caller, body.ImageID, body.Message)
	if err != nil {
		s.respondShareError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, req)
}

func (s *Server) handleShareRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caller, ok := s.identity(w, r)
	if !ok {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/shares/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id, action := parts[0], parts[1]

	var (
		req *model.ShareRequest
		err error
	)
	switch action {
	case "approve":
		req, err = s.engine.Decide(r.Context(), caller, id, share.DecisionApprove)
	case "reject":
		req, err = s.engine.Decide(r.Context(), caller, id, share.DecisionReject)
	case "cancel":
		req, err = s.engine.Cancel(r.Context(), caller, id)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.respondShareError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) respondShareError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, share.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, share.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, share.ErrConflict):
		http.Error(w, "share request already pending", http.StatusConflict)
	case errors.Is(err, share.ErrSelfShare):
		http.Error(w, "cannot share your own image with yourself", http.StatusBadRequest)
	case errors.Is(err, share.ErrInvalidState):
		http.Error(w, "share request is not pending", http.StatusConflict)
	default:
		s.log.Errorw("share operation failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// identity extracts the authenticated caller set by the gateway.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := r.Header.Get("X-User-ID")
	if caller == "" {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return "", false
	}
	return caller, true
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debugw("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
