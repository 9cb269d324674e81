package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type botServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(method string) (int, string)
}

type recordedRequest struct {
	Path string
	Body map[string]any
}

func (b *botServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	b.requests = append(b.requests, recordedRequest{Path: r.URL.Path, Body: body})
	b.mu.Unlock()

	method := r.URL.Path[len("/botTOKEN/"):]
	status, payload := b.handler(method)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

func newTestClient(t *testing.T, handler func(method string) (int, string)) (*TelegramClient, *botServer) {
	t.Helper()
	bs := &botServer{handler: handler}
	srv := httptest.NewServer(bs)
	t.Cleanup(srv.Close)

	client := NewTelegramClient(TelegramConfig{
		BotToken:   "TOKEN",
		ChannelID:  "@channel",
		APIBaseURL: srv.URL,
		Timeout:    5 * time.Second,
	})
	return client, bs
}

func TestSendTextPostsHTMLMessage(t *testing.T) {
	client, bs := newTestClient(t, func(string) (int, string) {
		return http.StatusOK, `{"ok":true,"result":{"message_id":1}}`
	})

	err := client.SendText(context.Background(), "<b>hi</b>")
	require.NoError(t, err)

	require.Len(t, bs.requests, 1)
	req := bs.requests[0]
	assert.Equal(t, "/botTOKEN/sendMessage", req.Path)
	assert.Equal(t, "@channel", req.Body["chat_id"])
	assert.Equal(t, "<b>hi</b>", req.Body["text"])
	assert.Equal(t, "HTML", req.Body["parse_mode"])
	assert.Equal(t, false, req.Body["disable_web_page_preview"])
}

func TestSendImageUsesCaption(t *testing.T) {
	client, bs := newTestClient(t, func(string) (int, string) {
		return http.StatusOK, `{"ok":true,"result":{}}`
	})

	require.NoError(t, client.SendImage(context.Background(), "https://pbs.twimg.com/media/a.jpg", "caption"))

	require.Len(t, bs.requests, 1)
	assert.Equal(t, "/botTOKEN/sendPhoto", bs.requests[0].Path)
	assert.Equal(t, "https://pbs.twimg.com/media/a.jpg", bs.requests[0].Body["photo"])
	assert.Equal(t, "caption", bs.requests[0].Body["caption"])
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	client, _ := newTestClient(t, func(string) (int, string) {
		return http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`
	})

	err := client.SendText(context.Background(), "x")
	require.Error(t, err)

	rl, ok := AsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
}

func TestRateLimitDefaultsToThirtySeconds(t *testing.T) {
	client, _ := newTestClient(t, func(string) (int, string) {
		return http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests"}`
	})

	err := client.SendText(context.Background(), "x")
	rl, ok := AsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, rl.RetryAfter)
}

func TestAPIErrorIsNotRateLimit(t *testing.T) {
	client, _ := newTestClient(t, func(string) (int, string) {
		return http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: wrong file identifier/HTTP URL specified"}`
	})

	err := client.SendImage(context.Background(), "https://expired", "c")
	require.Error(t, err)

	_, isRateLimit := AsRateLimit(err)
	assert.False(t, isRateLimit)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Description, "wrong file identifier")
}

func TestDisabledClientRefusesToSend(t *testing.T) {
	client := NewTelegramClient(TelegramConfig{})
	assert.False(t, client.Enabled())
	assert.ErrorIs(t, client.SendText(context.Background(), "x"), ErrChannelDisabled)
}

func TestTestConnectionProbesThenSends(t *testing.T) {
	client, bs := newTestClient(t, func(method string) (int, string) {
		if method == "getMe" {
			return http.StatusOK, `{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Twit","username":"twit_bot"}}`
		}
		return http.StatusOK, `{"ok":true,"result":{}}`
	})

	user, err := client.TestConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "twit_bot", user.Username)

	require.Len(t, bs.requests, 2)
	assert.Equal(t, "/botTOKEN/getMe", bs.requests[0].Path)
	assert.Equal(t, "/botTOKEN/sendMessage", bs.requests[1].Path)
	assert.Equal(t, TestMessage, bs.requests[1].Body["text"])
}
