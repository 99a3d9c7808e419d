package signaling

import (
	"time"

	"github.com/opd-ai/secretdrop/crypto"
)

// BucketDuration is the width of one obfuscation time bucket.
const BucketDuration = 5 * time.Minute

// bucketGenesis is the fixed origin for bucket numbering so both parties
// agree without negotiation.
var bucketGenesis = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// timeBuckets maps wall-clock time to bucket numbers.
type timeBuckets struct {
	start    time.Time
	duration time.Duration
	clock    crypto.TimeProvider
}

// newTimeBuckets numbers buckets of width d from the fixed origin. A
// non-positive d means BucketDuration.
func newTimeBuckets(clock crypto.TimeProvider, d time.Duration) *timeBuckets {
	if clock == nil {
		clock = crypto.DefaultTimeProvider{}
	}
	if d <= 0 {
		d = BucketDuration
	}
	return &timeBuckets{start: bucketGenesis, duration: d, clock: clock}
}

// at returns the bucket containing t. Times before the origin fall in 0.
func (b *timeBuckets) at(t time.Time) uint64 {
	if t.Before(b.start) {
		return 0
	}
	return uint64(t.Sub(b.start) / b.duration)
}

func (b *timeBuckets) current() uint64 {
	return b.at(b.clock.Now())
}

// recent returns the current and the previous bucket, newest first. A blob
// made just before a boundary still decodes just after it.
func (b *timeBuckets) recent() []uint64 {
	cur := b.current()
	if cur == 0 {
		return []uint64{0}
	}
	return []uint64{cur, cur - 1}
}
