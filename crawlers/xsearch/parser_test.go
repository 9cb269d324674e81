package xsearch

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFixture(t *testing.T) string {
	t.Helper()
	raw, err := os.ReadFile("testdata/search.html")
	require.NoError(t, err)
	return string(raw)
}

func TestParsePostsReadsFixture(t *testing.T) {
	posts, err := NewParser().ParsePosts(loadFixture(t))
	require.NoError(t, err)

	// The article without a status link is dropped.
	require.Len(t, posts, 3)

	first := posts[0]
	assert.Equal(t, "https://x.com/gopher/status/1800000000000000001", first.Permalink)
	assert.Equal(t, "Go Gopher", first.Author)
	assert.Equal(t, "Go 1.24 is out with #Go generics improvements", first.Text)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC), first.PostedAt)
	assert.Equal(t, "https://pbs.twimg.com/media/GabcDEF.jpg?format=jpg&name=small", first.MediaURL)
	assert.False(t, first.Promoted)

	assert.True(t, posts[1].Promoted)
	assert.Equal(t, "Brand", posts[1].Author)

	last := posts[2]
	assert.Equal(t, "https://x.com/rustacean/status/1800000000000000003", last.Permalink)
	assert.Equal(t, "@rustacean", last.Author)
	assert.Equal(t, "no author block here", last.Text)
	assert.Empty(t, last.MediaURL)
	assert.True(t, last.PostedAt.IsZero())
}

func TestParsePostsEmptyPage(t *testing.T) {
	posts, err := NewParser().ParsePosts("<html><body><div>Something went wrong</div></body></html>")
	require.NoError(t, err)
	assert.Empty(t, posts)
}

func TestParsePostsKeepsEmojiText(t *testing.T) {
	html := `<article data-testid="tweet">
		<a href="/a/status/1"></a>
		<div data-testid="tweetText"><span>ship it</span><img alt="🚀" src="https://abs-0.twimg.com/emoji/v2/svg/1f680.svg"></div>
	</article>`

	posts, err := NewParser().ParsePosts(html)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Contains(t, posts[0].Text, "ship it")
	assert.Contains(t, posts[0].Text, "🚀")
	assert.Empty(t, posts[0].MediaURL)
}
