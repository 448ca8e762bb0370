package main

import (
	"chat-engine/attachment"
	"chat-engine/auth"
	"chat-engine/errors"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxUploadMemory = 1 << 20

type blobOpener interface {
	Open(ctx context.Context, id string) (io.ReadCloser, string, error)
}

type routes struct {
	log      *slog.Logger
	tokens   auth.TokenManager
	keys     map[string]string
	ws       http.Handler
	hub      interface{ Subscribers() int }
	registry *prometheus.Registry
	uploader *attachment.Uploader
	blobs    blobOpener
	duration time.Duration
}

func (rt routes) router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/ws", auth.Middleware(rt.tokens, rt.ws))
	r.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", rt.health).Methods(http.MethodGet)
	r.HandleFunc("/v1/token", rt.token).Methods(http.MethodPost)
	if rt.uploader != nil && rt.blobs != nil {
		r.Handle("/v1/attachments", auth.Middleware(rt.tokens, http.HandlerFunc(rt.upload))).Methods(http.MethodPost)
		r.HandleFunc("/v1/attachments/{id}", rt.download).Methods(http.MethodGet)
	}
	return r
}

func (rt routes) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rt.log.Warn("Cannot write response", "error", err)
	}
}

func (rt routes) health(w http.ResponseWriter, _ *http.Request) {
	rt.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "subscribers": rt.hub.Subscribers()})
}

// token trades an access key for a relay token.
func (rt routes) token(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if err := auth.ValidateTokenRequest(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hash, known := rt.keys[req.UserID]
	if !known {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	ok, err := auth.CompareAccessKey(req.AccessKey, hash)
	if err != nil || !ok {
		rt.log.Info("Rejected token request", "user_id", req.UserID, "error", err)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token, err := rt.tokens.Generate(req.UserID)
	if err != nil {
		http.Error(w, "cannot issue token", http.StatusInternalServerError)
		return
	}
	rt.writeJSON(w, http.StatusOK, map[string]any{"token": token, "expires_in": int(rt.duration.Seconds())})
}

func (rt routes) upload(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, "malformed upload", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	descriptor, err := rt.uploader.Upload(r.Context(), userID, header.Filename, file)
	switch {
	case errors.Is(err, attachment.ErrTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, attachment.ErrUnsupported):
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
	case errors.Is(err, errors.ErrInvalidPayload):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		rt.log.Error("Upload failed", "user_id", userID, "error", err)
		http.Error(w, "upload failed", http.StatusBadGateway)
	default:
		rt.writeJSON(w, http.StatusCreated, descriptor)
	}
}

func (rt routes) download(w http.ResponseWriter, r *http.Request) {
	stream, contentType, err := rt.blobs.Open(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "attachment not found", http.StatusNotFound)
		return
	}
	defer func() { _ = stream.Close() }()
	w.Header().Set("Content-Type", contentType)
	if _, err := io.Copy(w, stream); err != nil {
		rt.log.Warn("Attachment download interrupted", "error", err)
	}
}
