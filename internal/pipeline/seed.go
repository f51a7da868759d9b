package pipeline

import (
	"fmt"
	"hash/fnv"
)

// Seed derives the generation seed for one attempt. The same job id, stage
// name, and attempt index always produce the same seed, which keeps repeated
// runs comparable. Masked to 63 bits so it survives JSON number encoding.
func Seed(jobID, stage string, attempt int) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", jobID, stage, attempt)
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}
