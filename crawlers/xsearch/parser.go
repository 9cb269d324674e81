package xsearch

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
)

const (
	PostSelector = `article[data-testid="tweet"]`

	permalinkSelector = `a[href*="/status/"]`
	authorSelector    = `div[data-testid="User-Name"]`
	bodySelector      = `div[data-testid="tweetText"]`
	mediaSelector     = `img[src*="media"]`
)

var promotedPattern = regexp.MustCompile(`(?i)Promoted|Advertisement`)

// Post is one rendered post as read from the page.
type Post struct {
	Permalink string
	Author    string
	Text      string
	PostedAt  time.Time
	MediaURL  string
	Promoted  bool
}

// Parser turns a search page snapshot into posts.
type Parser struct {
	converter *md.Converter
}

func NewParser() *Parser {
	converter := md.NewConverter("", true, &md.Options{EscapeMode: "disabled"})
	converter.AddRules(
		// Hashtags, mentions and links keep their visible text only.
		md.Rule{
			Filter: []string{"a"},
			Replacement: func(content string, selec *goquery.Selection, options *md.Options) *string {
				return md.String(content)
			},
		},
		// Emoji are rendered as images with the character in alt.
		md.Rule{
			Filter: []string{"img"},
			Replacement: func(content string, selec *goquery.Selection, options *md.Options) *string {
				return md.String(selec.AttrOr("alt", ""))
			},
		},
	)
	return &Parser{converter: converter}
}

// ParsePosts reads every post in document order. Posts without a status
// permalink are dropped; per-post failures never abort the scan.
func (p *Parser) ParsePosts(html string) ([]Post, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse search page: %w", err)
	}

	var posts []Post
	doc.Find(PostSelector).Each(func(i int, article *goquery.Selection) {
		post, ok := p.parseArticle(article)
		if !ok {
			return
		}
		posts = append(posts, post)
	})
	return posts, nil
}

func (p *Parser) parseArticle(article *goquery.Selection) (post Post, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("Skipping unreadable post")
			ok = false
		}
	}()

	var permalink string
	article.Find(permalinkSelector).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if link, found := CanonicalPermalink(a.AttrOr("href", "")); found {
			permalink = link
			return false
		}
		return true
	})
	if permalink == "" {
		return Post{}, false
	}

	post = Post{
		Permalink: permalink,
		Promoted:  promotedPattern.MatchString(article.Text()),
		Author:    authorName(article.Find(authorSelector).First()),
		Text:      p.bodyText(article.Find(bodySelector).First()),
		MediaURL:  strings.TrimSpace(article.Find(mediaSelector).First().AttrOr("src", "")),
	}
	if post.Author == "" {
		post.Author = HandleFromPermalink(permalink)
	}
	if post.Text == "" {
		post.Text = collapseSpace(article.Text())
	}
	if ts, exists := article.Find("time[datetime]").First().Attr("datetime"); exists {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			post.PostedAt = parsed.UTC()
		}
	}
	return post, true
}

// authorName is the display name: the first non-handle text in the User-Name block.
func authorName(block *goquery.Selection) string {
	var name string
	block.Find("span").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() > 0 {
			return true
		}
		text := strings.TrimSpace(s.Text())
		if text == "" || strings.HasPrefix(text, "@") || text == "·" {
			return true
		}
		name = text
		return false
	})
	if name == "" {
		name = strings.TrimSpace(block.Find(`a[href^="/"]`).First().Text())
	}
	return name
}

func (p *Parser) bodyText(body *goquery.Selection) string {
	if body.Length() == 0 {
		return ""
	}
	html, err := goquery.OuterHtml(body)
	if err != nil {
		return collapseSpace(body.Text())
	}
	text, err := p.converter.ConvertString(html)
	if err != nil {
		return collapseSpace(body.Text())
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
