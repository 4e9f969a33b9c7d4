package helpers

import (
	"encoding/hex"
	"fmt"
	"time"

	"lukechampine.com/blake3"
)

// NewArchiveKey builds the object key for an archived message:
// <list-id>/<yyyy>/<mm>/<blake3(message-id or body)>.eml
func NewArchiveKey(listID string, received time.Time, identity []byte) string {
	sum := blake3.Sum256(identity)
	return fmt.Sprintf("%s/%04d/%02d/%s.eml", listID, received.Year(), int(received.Month()), hex.EncodeToString(sum[:16]))
}
