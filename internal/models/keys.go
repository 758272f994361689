package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/tracefield/frontier/internal/interfaces"
)

// QueueKey encodes (priority, enqueue time, item id) into a pending-region
// key whose byte-lexicographic order equals processing order: ascending
// priority value, then ascending time, then id. Both numeric fields are
// fixed-width zero-padded; unpadded decimal strings would not sort
// monotonically. The item id breaks ties so the encoding is injective.
func QueueKey(p Priority, createdAt time.Time, itemID string) string {
	return fmt.Sprintf("%s%02d:%016d:%s", interfaces.PrefixPending, int(p), createdAt.UnixMicro(), itemID)
}

// QueueKeyPrefix returns the constant prefix selecting only pending keys.
func QueueKeyPrefix() string {
	return interfaces.PrefixPending
}

// ParseQueueKey extracts the priority, queue-entry time and item id from a
// pending key. The time is the key's own timestamp, which diverges from the
// item's CreatedAt once it has been requeued after a failure.
func ParseQueueKey(key string) (Priority, time.Time, string, error) {
	suffix, ok := strings.CutPrefix(key, interfaces.PrefixPending)
	if !ok {
		return 0, time.Time{}, "", fmt.Errorf("not a pending key: %q", key)
	}
	parts := strings.SplitN(suffix, ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return 0, time.Time{}, "", fmt.Errorf("malformed pending key: %q", key)
	}
	var p int
	if _, err := fmt.Sscanf(parts[0], "%d", &p); err != nil {
		return 0, time.Time{}, "", fmt.Errorf("malformed priority in pending key %q: %w", key, err)
	}
	var micros int64
	if _, err := fmt.Sscanf(parts[1], "%d", &micros); err != nil {
		return 0, time.Time{}, "", fmt.Errorf("malformed timestamp in pending key %q: %w", key, err)
	}
	return Priority(p), time.UnixMicro(micros).UTC(), parts[2], nil
}

// ItemKey returns the body key for an item id.
func ItemKey(itemID string) string {
	return interfaces.PrefixItem + itemID
}

// ProcessingKey returns the processing-region marker key for an item id.
func ProcessingKey(itemID string) string {
	return interfaces.PrefixProcessing + itemID
}

// CompletedKey returns the completed-region marker key for an item id.
func CompletedKey(itemID string) string {
	return interfaces.PrefixCompleted + itemID
}

// FailedKey returns the failed-region marker key for an item id.
func FailedKey(itemID string) string {
	return interfaces.PrefixFailed + itemID
}

// SeenKey returns the dedup-set key for a fingerprint.
func SeenKey(fingerprint string) string {
	return interfaces.PrefixSeen + fingerprint
}
