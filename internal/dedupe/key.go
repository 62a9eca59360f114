package dedupe

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// bucketWindow is the collapse window for messages that arrive without a
// relay-assigned id: identical topic+text within one window share a key.
const bucketWindow = 5 * time.Minute

// MakeKey derives the deterministic dedupe key for a delivery.
// A relay-assigned id always wins: the same id yields the same key no matter
// when the redelivery arrives. Without an id the key hashes topic, text, and
// the five-minute time bucket, so retried deliveries of the same content
// collapse while content differing by a single character does not.
func MakeKey(messageID, topic, text string, ts time.Time) string {
	if messageID != "" {
		return "ntfy_msg_" + messageID
	}
	bucket := ts.Unix() / int64(bucketWindow.Seconds())
	h := xxhash.Sum64String(fmt.Sprintf("%s|%s|%d", topic, text, bucket))
	return fmt.Sprintf("ntfy_anon_%016x", h)
}

// HashText returns the content hash stored alongside a processed record,
// used for post-hoc duplicate forensics.
func HashText(text string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(text))
}
