package transcript

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewClientToken returns a correlation token for a locally authored message:
// the send time in unix milliseconds followed by a random suffix.
func NewClientToken(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strconv.FormatInt(at.UnixMilli(), 10) + "-" + suffix[:12]
}
