// Package xsearch knows the shape of the X live search results page: how to
// address it and how to read posts out of its rendered HTML.
package xsearch

import (
	"net/url"
	"regexp"
	"strings"
)

const (
	DefaultSearchURL = "https://x.com/search"
	SiteOrigin       = "https://x.com"
)

var permalinkPattern = regexp.MustCompile(`^/([A-Za-z0-9_]{1,50})/status/(\d+)(?:/|$)`)

// SearchURL builds the live search URL for a keyword.
func SearchURL(base, keyword string) string {
	if base == "" {
		base = DefaultSearchURL
	}
	q := url.Values{}
	q.Set("q", keyword)
	q.Set("src", "typed_query")
	q.Set("f", "live")
	return base + "?" + q.Encode()
}

// CanonicalPermalink reduces a status link (relative or absolute, possibly
// pointing at /photo/1 or /analytics) to https://x.com/<handle>/status/<id>.
func CanonicalPermalink(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if u.IsAbs() {
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		if host != "x.com" && host != "twitter.com" && host != "mobile.twitter.com" {
			return "", false
		}
	}
	m := permalinkPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return "", false
	}
	return SiteOrigin + "/" + m[1] + "/status/" + m[2], true
}

// HandleFromPermalink returns "@handle" for a canonical permalink.
func HandleFromPermalink(permalink string) string {
	u, err := url.Parse(permalink)
	if err != nil {
		return ""
	}
	m := permalinkPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return ""
	}
	return "@" + m[1]
}
