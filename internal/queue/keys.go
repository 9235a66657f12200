package queue

import (
	"errors"
	"time"
)

const (
	// ReasonCorruptedPayload marks DLQ entries whose payload failed to decode.
	ReasonCorruptedPayload = "corrupted_payload"

	idempPrefix    = "idemp:"
	idempRetention = 48 * time.Hour
)

var (
	ErrEntryNotFound = errors.New("queue entry not found")
)

func queueKey(pool string) string {
	return pool + ":queue"
}

func dlqKey(pool string) string {
	return pool + ":queue:dead"
}

func idempKey(clientKey string) string {
	return idempPrefix + clientKey
}
