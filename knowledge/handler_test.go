package knowledge

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(store *Store) (*gin.Engine, *Module) {
	gin.SetMode(gin.TestMode)
	module := &Module{store: store, scheduler: NewScheduler(store)}

	router := gin.New()
	router.POST("/channels/:channel_id/knowledge", module.handleUpload)
	router.GET("/channels/:channel_id/knowledge", module.handleGet)
	router.DELETE("/channels/:channel_id/knowledge", module.handleDelete)
	return router, module
}

func uploadRequest(t *testing.T, path string, content []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestUploadNotifiesChannelChange(t *testing.T) {
	store := newStore(newMemoryStore(), 0)
	router, module := newTestRouter(store)

	var changed []string
	module.NotifyChange(func(_ context.Context, channelID string) {
		changed = append(changed, channelID)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/channels/bio-101/knowledge", []byte("cells divide")))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"bio-101"}, changed)
}

func TestRejectedUploadDoesNotNotify(t *testing.T) {
	store := newStore(newMemoryStore(), 4)
	router, module := newTestRouter(store)

	var changed []string
	module.NotifyChange(func(_ context.Context, channelID string) {
		changed = append(changed, channelID)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/channels/bio-101/knowledge", []byte("way past the cap")))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, changed)
}

func TestDeleteNotifiesChannelChange(t *testing.T) {
	store := newStore(newMemoryStore(), 0)
	router, module := newTestRouter(store)
	require.NoError(t, store.Put(context.Background(), "bio-101", "cells divide"))

	var changed []string
	module.NotifyChange(func(_ context.Context, channelID string) {
		changed = append(changed, channelID)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/channels/bio-101/knowledge", nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"bio-101"}, changed)
}

func TestDeleteMissingChannelDoesNotNotify(t *testing.T) {
	store := newStore(newMemoryStore(), 0)
	router, module := newTestRouter(store)

	var changed []string
	module.NotifyChange(func(_ context.Context, channelID string) {
		changed = append(changed, channelID)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/channels/ghost/knowledge", nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	assert.Empty(t, changed)
}
