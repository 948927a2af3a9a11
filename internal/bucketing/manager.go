package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"seat-service/internal/config"
)

// BucketingManager maps record ids onto a fixed set of partition buckets so
// the active-session and active-checkout tables spread across Scylla
// partitions instead of piling onto one.
type BucketingManager struct {
	sessionBuckets int
	hasherPool     sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		sessionBuckets: cfg.Bucketing.SessionBuckets,
	}

	// Pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// SessionBucket returns the consistent bucket for an id (0 to sessionBuckets-1).
func (bm *BucketingManager) SessionBucket(id string) int {
	return int(bm.getHash(id) % uint64(bm.sessionBuckets))
}

// SessionBuckets returns the number of buckets, for full-table scans.
func (bm *BucketingManager) SessionBuckets() int {
	return bm.sessionBuckets
}

// DateBucket returns the partition key for date-partitioned time series.
func (bm *BucketingManager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
