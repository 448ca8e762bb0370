package main

import (
	"bytes"
	"chat-engine/attachment"
	"chat-engine/auth"
	"chat-engine/domain"
	"chat-engine/mocks"
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fakeHub int

func (f fakeHub) Subscribers() int { return int(f) }

type fakeBlobs map[string]string

func (f fakeBlobs) Open(_ context.Context, id string) (io.ReadCloser, string, error) {
	body, ok := f[id]
	if !ok {
		return nil, "", io.EOF
	}
	return io.NopCloser(strings.NewReader(body)), "text/plain", nil
}

func newRoutes(t *testing.T, storage *mocks.MockObjectStorage) routes {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	hash, err := auth.HashAccessKey("correct horse battery")
	require.NoError(t, err)
	return routes{
		log:      log,
		tokens:   auth.NewTokenManager("secret", time.Hour),
		keys:     map[string]string{"alice": hash},
		ws:       http.NotFoundHandler(),
		hub:      fakeHub(2),
		registry: prometheus.NewRegistry(),
		uploader: attachment.NewUploader(storage, log, 0, nil),
		blobs:    fakeBlobs{"abc": "meeting notes"},
		duration: time.Hour,
	}
}

func TestRoutes_Token(t *testing.T) {
	rt := newRoutes(t, mocks.NewMockObjectStorage(gomock.NewController(t)))
	router := rt.router()

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"valid key", `{"user_id":"alice","access_key":"correct horse battery"}`, http.StatusOK},
		{"wrong key", `{"user_id":"alice","access_key":"wrong horse battery"}`, http.StatusUnauthorized},
		{"unknown user", `{"user_id":"bob","access_key":"correct horse battery"}`, http.StatusUnauthorized},
		{"short key", `{"user_id":"alice","access_key":"short"}`, http.StatusBadRequest},
		{"malformed", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/token", strings.NewReader(tt.body)))
			require.Equal(t, tt.status, rec.Code)
		})
	}

	// Then an issued token validates
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/token",
		strings.NewReader(`{"user_id":"alice","access_key":"correct horse battery"}`)))
	var reply struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	claims, err := rt.tokens.Validate(reply.Token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.UserID)
}

func TestRoutes_HealthAndProtectedSocket(t *testing.T) {
	req := require.New(t)
	router := newRoutes(t, mocks.NewMockObjectStorage(gomock.NewController(t))).router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	req.Equal(http.StatusOK, rec.Code)
	req.Contains(rec.Body.String(), `"subscribers":2`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	req.Equal(http.StatusUnauthorized, rec.Code)
}

func TestRoutes_UploadAndDownload(t *testing.T) {
	req := require.New(t)
	storage := mocks.NewMockObjectStorage(gomock.NewController(t))
	rt := newRoutes(t, storage)
	router := rt.router()
	token, err := rt.tokens.Generate("alice")
	req.NoError(err)

	storage.EXPECT().
		Put(gomock.Any(), gomock.Any(), gomock.Any(), "text/plain").
		Return("https://files.example.com/abc", nil)

	// Given a multipart upload
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "notes.txt")
	req.NoError(err)
	_, err = part.Write([]byte("meeting notes"))
	req.NoError(err)
	req.NoError(form.Close())

	upload := httptest.NewRequest(http.MethodPost, "/v1/attachments", &body)
	upload.Header.Set("Content-Type", form.FormDataContentType())
	upload.Header.Set("Authorization", "Bearer "+token)

	// When
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, upload)

	// Then
	req.Equal(http.StatusCreated, rec.Code)
	var descriptor domain.Attachment
	req.NoError(json.Unmarshal(rec.Body.Bytes(), &descriptor))
	req.Equal("notes.txt", descriptor.Filename)
	req.Equal("https://files.example.com/abc", descriptor.URL)

	// And the blob can be fetched back
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/attachments/abc", nil))
	req.Equal(http.StatusOK, rec.Code)
	req.Equal("meeting notes", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/attachments/missing", nil))
	req.Equal(http.StatusNotFound, rec.Code)
}
