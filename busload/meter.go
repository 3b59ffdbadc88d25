// Package busload estimates CAN bus utilization from a sliding window of
// observed frame bit-counts (§4.3).
package busload

import "time"

const (
	// overheadBits covers SOF+ID29+control+CRC15+CRC-delim+ACK+ACK-delim+EOF+IFS.
	overheadBits = 44
	// defaultBucketCount and defaultBucketPeriod give 100 buckets of 100ms = 10s.
	defaultBucketCount  = 100
	defaultBucketPeriod = 100 * time.Millisecond
)

// Meter is a sliding-window bus-load estimator.
type Meter struct {
	bitrate      uint32
	bucketPeriod time.Duration
	buckets      []uint64 // ring buffer of closed-bucket bit counts
	head         uint64   // bit count accumulating into the open bucket
	headElapsed  time.Duration
	pos          int // index of the oldest closed bucket (ring cursor)
	filled       int // number of buckets ever closed, capped at len(buckets)
}

// New returns a Meter for a link running at bitrate bits/sec, using the
// default 10s window of 100 x 100ms buckets.
func New(bitrate uint32) *Meter {
	return NewWindowed(bitrate, defaultBucketCount, defaultBucketPeriod)
}

// NewWindowed returns a Meter with a custom bucket count and period.
func NewWindowed(bitrate uint32, bucketCount int, bucketPeriod time.Duration) *Meter {
	return &Meter{
		bitrate:      bitrate,
		bucketPeriod: bucketPeriod,
		buckets:      make([]uint64, bucketCount),
	}
}

// stuffBitsEstimate approximates bit stuffing overhead as 10% of the data
// portion, matching industry convention (§4.3).
func stuffBitsEstimate(dlc uint8) uint64 {
	return (8 * uint64(dlc)) / 10
}

// AddFrame records the bit count of one observed frame of the given DLC
// into the currently open bucket.
func (m *Meter) AddFrame(dlc uint8) {
	m.head += overheadBits + 8*uint64(dlc) + stuffBitsEstimate(dlc)
}

// Update advances wall-clock time by elapsed. Each time the open bucket has
// accumulated a full bucket period it closes, a fresh head opens, and the
// oldest closed bucket is discarded from the window.
func (m *Meter) Update(elapsed time.Duration) {
	m.headElapsed += elapsed
	for m.headElapsed >= m.bucketPeriod {
		m.headElapsed -= m.bucketPeriod
		m.closeBucket()
	}
}

func (m *Meter) closeBucket() {
	n := len(m.buckets)
	idx := (m.pos + m.filled) % n
	if m.filled < n {
		m.buckets[idx] = m.head
		m.filled++
	} else {
		m.buckets[m.pos] = m.head
		m.pos = (m.pos + 1) % n
	}
	m.head = 0
}

// TotalBits returns the sum of bit counts across all closed buckets in the
// window (not including the still-accumulating head bucket).
func (m *Meter) TotalBits() uint64 {
	var sum uint64
	n := len(m.buckets)
	for i := 0; i < m.filled; i++ {
		sum += m.buckets[(m.pos+i)%n]
	}
	return sum
}

// Percentage returns the estimated percentage of theoretical bus time in use
// over the window.
func (m *Meter) Percentage() float64 {
	if m.bitrate == 0 || len(m.buckets) == 0 {
		return 0
	}
	windowSeconds := float64(len(m.buckets)) * m.bucketPeriod.Seconds()
	capacity := float64(m.bitrate) * windowSeconds
	if capacity == 0 {
		return 0
	}
	return float64(m.TotalBits()) * 100 / capacity
}

// Reset clears all buckets and the accumulating head.
func (m *Meter) Reset() {
	for i := range m.buckets {
		m.buckets[i] = 0
	}
	m.head = 0
	m.headElapsed = 0
	m.pos = 0
	m.filled = 0
}
