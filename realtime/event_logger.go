package realtime

import (
	"sync"
	"time"

	"github.com/ericfitz/realtime/internal/metrics"
)

// EventStatus classifies an inbound backbone message relative to what this
// process has already seen from the same sender.
type EventStatus string

const (
	// EventValid is a first-seen, in-order message.
	EventValid EventStatus = ""
	// EventDuplicate is an exact repeat of the sender's latest message.
	EventDuplicate EventStatus = "duplicate"
	// EventOutOfOrder is a message that reappeared after having been
	// superseded by a different message from the same sender.
	EventOutOfOrder EventStatus = "out-of-order"
)

const (
	// eventLogFlushThreshold caps the tracked signatures; once exceeded,
	// stale entries are flushed opportunistically on the next check.
	eventLogFlushThreshold = 1000
	// eventLogStaleTime is how long a signature stays relevant.
	eventLogStaleTime = 10 * time.Second
)

// EventLogger classifies inbound fanout messages as in-order, duplicate or
// out-of-order. It is purely observational: the result never blocks or
// rejects delivery, it only feeds metrics and debug logs.
type EventLogger struct {
	mu sync.Mutex
	// latest tracks the newest signature per (channel, sender).
	latest map[string]string
	// seen tracks when each (channel, sender, message) signature was last
	// observed, bounded by the opportunistic flush.
	seen map[string]time.Time

	now func() time.Time // test hook
}

// NewEventLogger creates an event logger.
func NewEventLogger() *EventLogger {
	return &EventLogger{
		latest: make(map[string]string),
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// CheckEventOrder classifies one message. Replaying an identical
// (channel, sender, message) sequence yields an identical classification
// sequence.
func (l *EventLogger) CheckEventOrder(channel, senderID, messageID string) EventStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	senderKey := channel + ":" + senderID
	sigKey := senderKey + ":" + messageID

	l.flushIfNeeded(now)

	status := EventValid
	if last, ok := l.latest[senderKey]; ok {
		if last == messageID {
			status = EventDuplicate
		} else if _, ok := l.seen[sigKey]; ok {
			status = EventOutOfOrder
		}
	}

	l.seen[sigKey] = now
	if status == EventValid {
		l.latest[senderKey] = messageID
		metrics.Events.WithLabelValues(channel, "valid").Inc()
	} else {
		metrics.Events.WithLabelValues(channel, string(status)).Inc()
	}
	return status
}

// flushIfNeeded drops stale signatures once the log grows past the cap, so
// memory stays bounded without a separate timer.
func (l *EventLogger) flushIfNeeded(now time.Time) {
	if len(l.seen) <= eventLogFlushThreshold {
		return
	}
	for sigKey, seenAt := range l.seen {
		if now.Sub(seenAt) > eventLogStaleTime {
			delete(l.seen, sigKey)
		}
	}
}

// trackedEntries is a test hook reporting the size of the signature log.
func (l *EventLogger) trackedEntries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
