package store

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
)

// AdvisoryKey derives the stable 64-bit advisory lock key of a
// (project, source, job) triple: the first 8 bytes of
// SHA-1("project:source:job") as a signed big-endian integer. All
// clients sharing the database must derive identical keys.
func AdvisoryKey(projectID int64, source, job string) int64 {
	var sum = sha1.Sum([]byte(fmt.Sprintf("%d:%s:%s", projectID, source, job)))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
