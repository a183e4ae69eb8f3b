package source

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// TaskID derives a stable id from where a defect is and what found it, so
// rescanning an unfixed file regenerates the same id.
func TaskID(file string, line int, detector string) string {
	sum := sha256.Sum256([]byte(file + "\x00" + strconv.Itoa(line) + "\x00" + detector))
	return "task_" + hex.EncodeToString(sum[:8])
}
