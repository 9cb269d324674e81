package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/speculumoris/twitbot/common/models"
	"github.com/speculumoris/twitbot/crawlers/xsearch"
)

// statusURLPattern is the shape every stored post URL must have.
var statusURLPattern = regexp.MustCompile(`^https://x\.com/[A-Za-z0-9_]{1,50}/status/\d+$`)

// ValidationError rejects a payload or a single record.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ErrInvalidData is the payload-level rejection.
var ErrInvalidData = &ValidationError{Reason: "Invalid data"}

type payload struct {
	Tweets json.RawMessage `json:"tweets"`
}

// DecodeBatch reads {"tweets": [...]} and fails unless tweets is an array of objects.
func DecodeBatch(raw []byte) ([]models.RawPost, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ErrInvalidData
	}

	var items []json.RawMessage
	if len(p.Tweets) == 0 || json.Unmarshal(p.Tweets, &items) != nil || items == nil {
		return nil, ErrInvalidData
	}

	posts := make([]models.RawPost, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(string(item))
		if !strings.HasPrefix(trimmed, "{") {
			return nil, ErrInvalidData
		}
		var post models.RawPost
		if err := json.Unmarshal(item, &post); err != nil {
			// A typed field mismatch is a bad record, not a bad payload.
			post = models.RawPost{}
		}
		posts = append(posts, post)
	}
	return posts, nil
}

// NormalizeURL reduces a post link to https://x.com/<handle>/status/<id>, so
// host, query, fragment and sub-page variants collapse to one identity.
// Links that are not status permalinks only lose query and fragment.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Field: "url", Reason: "is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", &ValidationError{Field: "url", Reason: "is not an absolute URL"}
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	u.Host = strings.ToLower(u.Host)
	if canonical, ok := xsearch.CanonicalPermalink(u.String()); ok {
		return canonical, nil
	}
	return u.String(), nil
}

// recordInput is what a record must satisfy after normalization.
type recordInput struct {
	URL    string `validate:"required,statusurl"`
	Author string `validate:"required"`
	Text   string `validate:"required"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("statusurl", func(fl validator.FieldLevel) bool {
		return statusURLPattern.MatchString(fl.Field().String())
	})
	return v
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: strings.ToLower(fe.Field()), Reason: "failed " + fe.Tag()}
	}
	return &ValidationError{Reason: err.Error()}
}
