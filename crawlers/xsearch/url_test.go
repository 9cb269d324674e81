package xsearch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSearchURL(t *testing.T) {
	assert.Equal(t,
		"https://x.com/search?f=live&q=%23AI&src=typed_query",
		SearchURL("", "#AI"))
	assert.Equal(t,
		"http://localhost:9999/search?f=live&q=go+lang&src=typed_query",
		SearchURL("http://localhost:9999/search", "go lang"))
}

func TestCanonicalPermalink(t *testing.T) {
	tests := []struct {
		href string
		want string
		ok   bool
	}{
		{"/gopher/status/123", "https://x.com/gopher/status/123", true},
		{"/gopher/status/123/photo/1", "https://x.com/gopher/status/123", true},
		{"https://twitter.com/gopher/status/123?s=20", "https://x.com/gopher/status/123", true},
		{"https://www.x.com/gopher/status/123#frag", "https://x.com/gopher/status/123", true},
		{"https://example.com/gopher/status/123", "", false},
		{"/hashtag/Go", "", false},
		{"/gopher/status/abc", "", false},
		{"/gopher/status/123abc", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.href, func(t *testing.T) {
			got, ok := CanonicalPermalink(tt.href)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleFromPermalink(t *testing.T) {
	assert.Equal(t, "@gopher", HandleFromPermalink("https://x.com/gopher/status/1"))
	assert.Equal(t, "", HandleFromPermalink("https://x.com/search"))
}
