// Package jobid generates human-sortable crawl run identifiers.
package jobid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a run identifier of the form crawl_20240115_093000_1a2b3c4d.
// The timestamp prefix keeps IDs sortable by start time; the random suffix
// keeps concurrent processes collision-free.
func New(now time.Time) string {
	return fmt.Sprintf("crawl_%s_%s", now.UTC().Format("20060102_150405"), uuid.NewString()[:8])
}
