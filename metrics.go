package midipe

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 100us to 30s with logarithmic spacing; PE round
// trips over DIN-speed transports routinely take tens of milliseconds.
var LatencyBuckets = []uint64{
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	5_000_000_000,  // 5s
	10_000_000_000, // 10s
	30_000_000_000, // 30s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a PE client
type Metrics struct {
	// Transaction counters
	RequestsBegun atomic.Uint64 // Transactions started
	Successes     atomic.Uint64 // Completed with a reassembled response
	Failures      atomic.Uint64 // Completed with a device-reported error
	Timeouts      atomic.Uint64 // Expired before completion
	Cancels       atomic.Uint64 // Cancelled by caller or disconnect

	// Chunk counters
	ChunksReceived  atomic.Uint64 // Inbound chunks seen, duplicates included
	ChunkBytes      atomic.Uint64 // Property bytes carried by them
	DuplicateChunks atomic.Uint64 // Chunks dropped as duplicates/corrupt
	UnknownRequests atomic.Uint64 // Traffic for IDs with no transaction

	// In-flight gauge
	ActiveTransactions atomic.Int32  // Current in-flight count
	MaxActive          atomic.Uint32 // High-water mark

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative transaction latency
	OpCount        atomic.Uint64 // Finalized transactions

	// Latency histogram buckets (cumulative counts)
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Client lifecycle
	StartTime atomic.Int64 // Client start timestamp (UnixNano)
	StopTime  atomic.Int64 // Client stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordBegin records a started transaction
func (m *Metrics) RecordBegin() {
	m.RequestsBegun.Add(1)
}

// RecordSuccess records a successful completion. Body bytes are counted
// per chunk as they arrive, not here.
func (m *Metrics) RecordSuccess(latencyNs uint64) {
	m.Successes.Add(1)
	m.recordLatency(latencyNs)
}

// RecordFailure records a device-reported error completion
func (m *Metrics) RecordFailure(latencyNs uint64) {
	m.Failures.Add(1)
	m.recordLatency(latencyNs)
}

// RecordTimeout records an expired transaction
func (m *Metrics) RecordTimeout(latencyNs uint64) {
	m.Timeouts.Add(1)
	m.recordLatency(latencyNs)
}

// RecordCancel records a cancelled transaction
func (m *Metrics) RecordCancel(latencyNs uint64) {
	m.Cancels.Add(1)
	m.recordLatency(latencyNs)
}

// RecordChunk records an absorbed or dropped inbound chunk
func (m *Metrics) RecordChunk(bytes uint64, duplicate bool) {
	m.ChunksReceived.Add(1)
	if duplicate {
		m.DuplicateChunks.Add(1)
	} else {
		m.ChunkBytes.Add(bytes)
	}
}

// RecordUnknownRequest records traffic for an ID with no transaction
func (m *Metrics) RecordUnknownRequest() {
	m.UnknownRequests.Add(1)
}

// RecordActiveCount records the current in-flight transaction count
func (m *Metrics) RecordActiveCount(count int) {
	m.ActiveTransactions.Store(int32(count))

	// Update high-water mark atomically
	for {
		current := m.MaxActive.Load()
		if uint32(count) <= current {
			break
		}
		if m.MaxActive.CompareAndSwap(current, uint32(count)) {
			break
		}
	}
}

// recordLatency records transaction latency and updates the histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the client as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	// Transactions
	RequestsBegun uint64
	Successes     uint64
	Failures      uint64
	Timeouts      uint64
	Cancels       uint64

	// Chunks
	ChunksReceived  uint64
	ChunkBytes      uint64
	DuplicateChunks uint64
	UnknownRequests uint64

	// In-flight
	ActiveTransactions int32
	MaxActive          uint32

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	TotalFinalized uint64
	RequestRate    float64 // Transactions begun per second
	ErrorRate      float64 // Percentage of non-success outcomes
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RequestsBegun:      m.RequestsBegun.Load(),
		Successes:          m.Successes.Load(),
		Failures:           m.Failures.Load(),
		Timeouts:           m.Timeouts.Load(),
		Cancels:            m.Cancels.Load(),
		ChunksReceived:     m.ChunksReceived.Load(),
		ChunkBytes:         m.ChunkBytes.Load(),
		DuplicateChunks:    m.DuplicateChunks.Load(),
		UnknownRequests:    m.UnknownRequests.Load(),
		ActiveTransactions: m.ActiveTransactions.Load(),
		MaxActive:          m.MaxActive.Load(),
	}

	snap.TotalFinalized = snap.Successes + snap.Failures + snap.Timeouts + snap.Cancels

	// Calculate average latency
	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	// Calculate uptime
	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.RequestRate = float64(snap.RequestsBegun) / (float64(snap.UptimeNs) / 1e9)
	}

	nonSuccess := snap.Failures + snap.Timeouts + snap.Cancels
	if snap.TotalFinalized > 0 {
		snap.ErrorRate = float64(nonSuccess) / float64(snap.TotalFinalized) * 100.0
	}

	// Copy histogram bucket counts
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	// Calculate percentiles from histogram
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// The latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.RequestsBegun.Store(0)
	m.Successes.Store(0)
	m.Failures.Store(0)
	m.Timeouts.Store(0)
	m.Cancels.Store(0)
	m.ChunksReceived.Store(0)
	m.ChunkBytes.Store(0)
	m.DuplicateChunks.Store(0)
	m.UnknownRequests.Store(0)
	m.ActiveTransactions.Store(0)
	m.MaxActive.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	// ObserveBegin is called when a transaction starts
	ObserveBegin(resource string)

	// ObserveSuccess is called when a transaction completes with a response
	ObserveSuccess(bytes uint64, latencyNs uint64)

	// ObserveError is called when a device reports a failure
	ObserveError(status int, latencyNs uint64)

	// ObserveTimeout is called when a transaction expires
	ObserveTimeout(latencyNs uint64)

	// ObserveCancel is called when a transaction is cancelled
	ObserveCancel(latencyNs uint64)

	// ObserveChunk is called for each inbound chunk
	ObserveChunk(bytes uint64, duplicate bool)

	// ObserveUnknownRequest is called for traffic with no transaction
	ObserveUnknownRequest()

	// ObserveActiveCount is called when the in-flight count changes
	ObserveActiveCount(count int)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveBegin(string)           {}
func (NoOpObserver) ObserveSuccess(uint64, uint64) {}
func (NoOpObserver) ObserveError(int, uint64)      {}
func (NoOpObserver) ObserveTimeout(uint64)         {}
func (NoOpObserver) ObserveCancel(uint64)          {}
func (NoOpObserver) ObserveChunk(uint64, bool)     {}
func (NoOpObserver) ObserveUnknownRequest()        {}
func (NoOpObserver) ObserveActiveCount(int)        {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveBegin(string) {
	o.metrics.RecordBegin()
}

func (o *MetricsObserver) ObserveSuccess(_ uint64, latencyNs uint64) {
	o.metrics.RecordSuccess(latencyNs)
}

func (o *MetricsObserver) ObserveError(_ int, latencyNs uint64) {
	o.metrics.RecordFailure(latencyNs)
}

func (o *MetricsObserver) ObserveTimeout(latencyNs uint64) {
	o.metrics.RecordTimeout(latencyNs)
}

func (o *MetricsObserver) ObserveCancel(latencyNs uint64) {
	o.metrics.RecordCancel(latencyNs)
}

func (o *MetricsObserver) ObserveChunk(bytes uint64, duplicate bool) {
	o.metrics.RecordChunk(bytes, duplicate)
}

func (o *MetricsObserver) ObserveUnknownRequest() {
	o.metrics.RecordUnknownRequest()
}

func (o *MetricsObserver) ObserveActiveCount(count int) {
	o.metrics.RecordActiveCount(count)
}

// Compile-time interface checks
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
