package models

// RawPost is a post as produced by the extraction engine or an external producer.
// Field names follow the inbound ingestion payload.
type RawPost struct {
	Text      string `json:"text"`
	URL       string `json:"url"`
	Author    string `json:"author,omitempty"`
	CreatedAt string `json:"created_at"`
	Hashtag   string `json:"hashtag"`
	MediaURL  string `json:"mediaUrl,omitempty"`
}

// Batch is the terminal message of one extraction run.
type Batch struct {
	JobID   string    `json:"job_id"`
	Keyword string    `json:"keyword"`
	UserID  string    `json:"user_id,omitempty"`
	Token   uint64    `json:"token"`
	Posts   []RawPost `json:"tweets"`
}
