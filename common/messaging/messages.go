package messaging

import "context"

// Subjects on the service stream.
const (
	// SubjectBatchCollected carries one extraction batch from the crawler to ingestion.
	SubjectBatchCollected = "twitbot.batch.collected"

	IngestConsumerName = "twitbot-ingest"
)

// Publisher publishes a message and waits for the stream acknowledgement.
type Publisher interface {
	PublishSync(ctx context.Context, subject string, data []byte) error
}
