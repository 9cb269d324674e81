package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speculumoris/twitbot/common/models"
	"github.com/speculumoris/twitbot/common/services/servicestest"
)

type truncation struct {
	keyword        string
	received, kept int
}

type recordingEvents struct {
	truncations []truncation
}

func (r *recordingEvents) IngestTruncated(ctx context.Context, keyword string, received, kept int) {
	r.truncations = append(r.truncations, truncation{keyword, received, kept})
}

func rawPost(n int) models.RawPost {
	return models.RawPost{
		Text:      fmt.Sprintf("post %d", n),
		URL:       fmt.Sprintf("https://x.com/user%d/status/%d", n, 1000+n),
		Author:    fmt.Sprintf("User %d", n),
		CreatedAt: "2025-03-01T10:00:00Z",
		Hashtag:   "#Go",
	}
}

func newTestService() (*Service, *servicestest.MemoryStore, *recordingEvents) {
	store := servicestest.NewMemoryStore()
	events := &recordingEvents{}
	return NewService(store, Config{MaxBatchSize: 20, WarnBatchSize: 25}, events), store, events
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://x.com/gopher/status/1", want: "https://x.com/gopher/status/1"},
		{in: "https://x.com/gopher/status/1?s=20&t=abc", want: "https://x.com/gopher/status/1"},
		{in: "https://x.com/gopher/status/1?", want: "https://x.com/gopher/status/1"},
		{in: "https://X.com/gopher/status/1#reply", want: "https://x.com/gopher/status/1"},
		{in: "  https://twitter.com/gopher/status/1?ref=home  ", want: "https://x.com/gopher/status/1"},
		{in: "https://www.x.com/gopher/status/1", want: "https://x.com/gopher/status/1"},
		{in: "https://mobile.twitter.com/gopher/status/1", want: "https://x.com/gopher/status/1"},
		{in: "https://x.com/gopher/status/1/photo/1", want: "https://x.com/gopher/status/1"},
		{in: "https://x.com/gopher/status/1/", want: "https://x.com/gopher/status/1"},
		{in: "https://example.com/gopher/status/1?a=b", want: "https://example.com/gopher/status/1"},
		{in: "", wantErr: true},
		{in: "/gopher/status/1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			if tt.wantErr {
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeBatch(t *testing.T) {
	t.Run("array of records", func(t *testing.T) {
		posts, err := DecodeBatch([]byte(`{"tweets":[{"text":"hi","url":"https://x.com/a/status/1","created_at":"2025-03-01T10:00:00Z","hashtag":"#Go","mediaUrl":"https://pbs.twimg.com/media/a.jpg"}]}`))
		require.NoError(t, err)
		require.Len(t, posts, 1)
		assert.Equal(t, "hi", posts[0].Text)
		assert.Equal(t, "https://pbs.twimg.com/media/a.jpg", posts[0].MediaURL)
	})

	t.Run("empty array", func(t *testing.T) {
		posts, err := DecodeBatch([]byte(`{"tweets":[]}`))
		require.NoError(t, err)
		assert.Empty(t, posts)
	})

	t.Run("record with a mistyped field is kept for per-record validation", func(t *testing.T) {
		posts, err := DecodeBatch([]byte(`{"tweets":[{"text":5}]}`))
		require.NoError(t, err)
		assert.Len(t, posts, 1)
	})

	for name, body := range map[string]string{
		"not json":         `tweets`,
		"missing tweets":   `{"posts":[]}`,
		"tweets is object": `{"tweets":{"text":"hi"}}`,
		"tweets is string": `{"tweets":"hi"}`,
		"array of numbers": `{"tweets":[1,2]}`,
		"null tweets":      `{"tweets":null}`,
		"top level array":  `[{"text":"hi"}]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeBatch([]byte(body))
			require.ErrorIs(t, err, ErrInvalidData)
		})
	}
}

func TestIngest_QueryVariantsCollapse(t *testing.T) {
	svc, store, _ := newTestService()

	a := rawPost(1)
	a.URL += "?s=20"
	b := rawPost(1)
	b.URL += "?t=xyz&s=46"
	b.Text = "edited"

	res, err := svc.Ingest(context.Background(), []models.RawPost{a, b}, "")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, store.Len())

	rec, err := store.GetByURL(context.Background(), "https://x.com/user1/status/1001")
	require.NoError(t, err)
	assert.Equal(t, "edited", rec.Text)
	assert.Equal(t, models.DeliveryStatusPending, rec.Status)
}

func TestIngest_PermalinkVariantsCollapse(t *testing.T) {
	svc, store, _ := newTestService()

	variants := []string{
		"https://x.com/user1/status/1001?s=20",
		"https://x.com/user1/status/1001",
		"https://twitter.com/user1/status/1001",
		"https://x.com/user1/status/1001/photo/1",
		"https://x.com/user1/status/1001/",
	}
	posts := make([]models.RawPost, 0, len(variants))
	for _, u := range variants {
		p := rawPost(1)
		p.URL = u
		posts = append(posts, p)
	}

	res, err := svc.Ingest(context.Background(), posts, "")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 4, res.Updated)
	assert.Equal(t, 1, store.Len())
	_, err = store.GetByURL(context.Background(), "https://x.com/user1/status/1001")
	require.NoError(t, err)
}

func TestIngest_RejectsNonStatusURL(t *testing.T) {
	svc, store, _ := newTestService()

	p := rawPost(1)
	p.URL = "https://x.com/user1/status/1001extra"
	res, err := svc.Ingest(context.Background(), []models.RawPost{p}, "")
	require.NoError(t, err)

	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, store.Len())
}

func TestIngest_ReinsertNeverResetsSent(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Ingest(ctx, []models.RawPost{rawPost(1)}, "")
	require.NoError(t, err)
	rec, err := store.GetByURL(ctx, rawPost(1).URL)
	require.NoError(t, err)
	require.NoError(t, store.MarkSent(ctx, rec.ID))

	res, err := svc.Ingest(ctx, []models.RawPost{rawPost(1)}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	got, ok := store.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, models.DeliveryStatusSent, got.Status)
}

func TestIngest_TruncatesOversizedBatch(t *testing.T) {
	svc, store, events := newTestService()

	var batch []models.RawPost
	for i := 1; i <= 30; i++ {
		batch = append(batch, rawPost(i))
	}

	res, err := svc.Ingest(context.Background(), batch, "")
	require.NoError(t, err)

	assert.Equal(t, 30, res.Received)
	assert.Equal(t, 20, res.Accepted)
	assert.Equal(t, 20, store.Len())
	require.Len(t, events.truncations, 1)
	assert.Equal(t, truncation{keyword: "#Go", received: 30, kept: 20}, events.truncations[0])

	// The first twenty are kept.
	_, err = store.GetByURL(context.Background(), rawPost(20).URL)
	require.NoError(t, err)
	_, err = store.GetByURL(context.Background(), rawPost(21).URL)
	require.Error(t, err)
}

func TestIngest_Idempotent(t *testing.T) {
	svc, store, _ := newTestService()
	batch := []models.RawPost{rawPost(1), rawPost(2), rawPost(3)}

	first, err := svc.Ingest(context.Background(), batch, "u1")
	require.NoError(t, err)
	before := store.All()

	second, err := svc.Ingest(context.Background(), batch, "u1")
	require.NoError(t, err)

	assert.Equal(t, 3, first.Inserted)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 3, second.Updated)
	assert.Equal(t, 3, store.Len())
	after := store.All()
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Status, after[i].Status)
		assert.Equal(t, before[i].CreatedAt, after[i].CreatedAt)
	}
}

func TestIngest_InvalidRecordsAreSkipped(t *testing.T) {
	svc, store, _ := newTestService()

	noText := rawPost(1)
	noText.Text = "   "
	badShape := rawPost(2)
	badShape.URL = "https://example.com/user2/status/1002"
	notAbsolute := rawPost(3)
	notAbsolute.URL = "user3/status/1003"
	noAuthor := rawPost(4)
	noAuthor.Author = ""
	good := rawPost(5)

	res, err := svc.Ingest(context.Background(), []models.RawPost{noText, badShape, notAbsolute, noAuthor, good}, "user-7")
	require.NoError(t, err)

	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 2, store.Len())

	rec, err := store.GetByURL(context.Background(), noAuthor.URL)
	require.NoError(t, err)
	assert.Equal(t, "@user4", rec.Author)
	assert.Equal(t, "user-7", rec.UserID)
	assert.Equal(t, "#Go", rec.Keyword)
	assert.Equal(t, 2025, rec.PostedAt.Year())
}

func TestIngest_CancelledContext(t *testing.T) {
	svc, store, _ := newTestService()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Ingest(ctx, []models.RawPost{rawPost(1)}, "")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, store.Len())
}

func TestIngestPayload_RejectsMalformed(t *testing.T) {
	svc, store, _ := newTestService()

	_, err := svc.IngestPayload(context.Background(), []byte(`{"tweets":"nope"}`), "")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "Invalid data", verr.Error())
	assert.Zero(t, store.UpsertCalls)
}

func TestConsumer_Process(t *testing.T) {
	svc, store, _ := newTestService()
	c := NewConsumer(nil, "TWITBOT", svc)

	err := c.process(context.Background(), []byte(`{"job_id":"j1","keyword":"#Go","tweets":[{"text":"hi","url":"https://x.com/a/status/1","author":"A","hashtag":"#Go"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	err = c.process(context.Background(), []byte(`not json`))
	require.ErrorIs(t, err, errMalformedBatch)
}
