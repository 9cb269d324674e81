package models

import (
	"time"

	"github.com/samber/mo"
)

// CrawlJobStatus mirrors the lifecycle of one keyword job.
type CrawlJobStatus string

const (
	CrawlJobDispatching CrawlJobStatus = "dispatching"
	CrawlJobAwaiting    CrawlJobStatus = "awaiting"
	CrawlJobCompleted   CrawlJobStatus = "completed"
	CrawlJobAbandoned   CrawlJobStatus = "abandoned"
)

type CrawlJob struct {
	ID        string
	Keyword   string
	UserID    mo.Option[string]
	StartedAt time.Time
	Status    CrawlJobStatus
}
