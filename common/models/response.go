package models

type BaseResponse struct {
	Data any `json:"data"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}

// CrawlStatusResponse is the operator-facing view of the orchestrator.
type CrawlStatusResponse struct {
	State      string      `json:"state"`
	Status     string      `json:"status"`
	LastSync   string      `json:"last_sync,omitempty"`
	Keyword    string      `json:"keyword,omitempty"`
	Queue      []string    `json:"queue"`
	SessionUp  bool        `json:"session_up"`
	Generation uint64      `json:"generation"`
	Worker     WorkerStats `json:"worker"`
}

// WorkerStats counts tasks on the page-context worker.
type WorkerStats struct {
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	InQueue   int64 `json:"in_queue"`
}

type HealthResponse struct {
	Status          string      `json:"status"`
	Database        string      `json:"database"`
	DatabaseError   string      `json:"database_error,omitempty"`
	TelegramEnabled bool        `json:"telegram_enabled"`
	Outbox          OutboxStats `json:"outbox"`
	Timestamp       string      `json:"timestamp"`
}
