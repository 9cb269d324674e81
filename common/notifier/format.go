package notifier

import (
	"fmt"
	"strings"

	"github.com/speculumoris/twitbot/common/models"
)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// EscapeHTML escapes the characters Telegram's HTML parse mode treats as markup.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

// FormatRecord renders a record as a Telegram HTML message.
func FormatRecord(rec models.CollectedRecord) string {
	parts := make([]string, 0, 5)

	if rec.Author != "" {
		parts = append(parts, fmt.Sprintf("👤 <b>%s</b>", EscapeHTML(rec.Author)))
	}
	if rec.Keyword != "" {
		parts = append(parts, "🏷 "+EscapeHTML(rec.Keyword))
	}
	if rec.Text != "" {
		parts = append(parts, "\n"+EscapeHTML(rec.Text))
	}
	if !rec.PostedAt.IsZero() {
		parts = append(parts, "\n📅 "+rec.PostedAt.UTC().Format("2006-01-02 15:04 UTC"))
	}
	if rec.URL != "" {
		parts = append(parts, fmt.Sprintf("\n🔗 <a href=\"%s\">View on X/Twitter</a>", EscapeHTML(rec.URL)))
	}

	return strings.Join(parts, "\n")
}

// TestMessage is sent by the connection test endpoint.
const TestMessage = "🤖 TwitBot is now connected and ready to send tweets!"
