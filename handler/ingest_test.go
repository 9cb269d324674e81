package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/speculumoris/twitbot/common/services/servicestest"
	"github.com/speculumoris/twitbot/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestHandler_SavesTweets(t *testing.T) {
	store := servicestest.NewMemoryStore()
	h := NewIngestHandler(ingest.NewService(store, ingest.Config{MaxBatchSize: 20}, nil))

	body := `{"tweets":[{"text":"hello","url":"https://x.com/gopher/status/42?s=20","author":"Gopher","created_at":"2025-03-01T10:00:00Z","hashtag":"#Go"}]}`
	req := httptest.NewRequest(http.MethodPost, "/?userId=u-9", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var res ingest.Result
	decodeData(t, rec, &res)
	assert.Equal(t, 1, res.Inserted)

	saved, err := store.GetByURL(context.Background(), "https://x.com/gopher/status/42")
	require.NoError(t, err)
	assert.Equal(t, "u-9", saved.UserID)
}

func TestIngestHandler_RejectsInvalidData(t *testing.T) {
	store := servicestest.NewMemoryStore()
	h := NewIngestHandler(ingest.NewService(store, ingest.Config{}, nil))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"tweets":{"text":"hi"}}`))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid data", decodeError(t, rec).Msg)
	assert.Zero(t, store.UpsertCalls)
}

func TestIngestHandler_RejectsOversizedBody(t *testing.T) {
	h := NewIngestHandler(ingest.NewService(servicestest.NewMemoryStore(), ingest.Config{}, nil))

	big := `{"tweets":["` + strings.Repeat("a", maxIngestBody) + `"]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
