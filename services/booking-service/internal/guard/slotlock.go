package guard

import (
	"encoding/binary"
	"hash/fnv"
	"io"
	"time"
)

// SlotKey derives the advisory-lock key for a provider and a coarse time
// bucket. The mapping is deterministic so every writer targeting the same
// slot contends on the same key. Collisions between different provider/time
// pairs are tolerable: they only cause extra serialization, never a wrong
// conflict verdict, because the row-lock scan remains the authority.
func SlotKey(providerID string, bucketStart time.Time) int64 {
	h := fnv.New64a()
	_, _ = io.WriteString(h, providerID)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(bucketStart.Unix()))
	_, _ = h.Write(ts[:])
	return int64(h.Sum64())
}
