// Package metrics exposes cache activity as Prometheus collectors.
package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "gamecache"

	LabelIndex  = "index"
	LabelResult = "result"

	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

// Metrics holds the collectors of one cache. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Reads         *prometheus.CounterVec
	ReadBytes     *prometheus.CounterVec
	Writes        *prometheus.CounterVec
	WriteBytes    *prometheus.CounterVec
	Removes       *prometheus.CounterVec
	ChecksumFails *prometheus.CounterVec
	DecodedHits   prometheus.Counter
	DecodedMisses prometheus.Counter
	FreeSectors   *prometheus.GaugeVec
	Maintenance   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Archive reads by index and result.",
		}, []string{LabelIndex, LabelResult}),
		ReadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_bytes_total",
			Help:      "Stored container bytes read from sector chains.",
		}, []string{LabelIndex}),
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Archive writes by index and result.",
		}, []string{LabelIndex, LabelResult}),
		WriteBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_bytes_total",
			Help:      "Stored container bytes written to sector chains.",
		}, []string{LabelIndex}),
		Removes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "removes_total",
			Help:      "Archive and file removals by index.",
		}, []string{LabelIndex}),
		ChecksumFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checksum_failures_total",
			Help:      "Reads rejected because stored bytes did not match the reference table.",
		}, []string{LabelIndex}),
		DecodedHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoded",
			Name:      "hits_total",
			Help:      "Reads served from the decoded archive cache.",
		}),
		DecodedMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoded",
			Name:      "misses_total",
			Help:      "Reads that had to decode from the block file.",
		}),
		FreeSectors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "free_sectors",
			Help:      "Sectors available for reuse per block file.",
		}, []string{"file"}),
		Maintenance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_total",
			Help:      "Rebuild and defragment runs.",
		}, []string{"operation"}),
	}
	var err error
	if m.Reads, err = register(reg, m.Reads); err != nil {
		return nil, err
	}
	if m.ReadBytes, err = register(reg, m.ReadBytes); err != nil {
		return nil, err
	}
	if m.Writes, err = register(reg, m.Writes); err != nil {
		return nil, err
	}
	if m.WriteBytes, err = register(reg, m.WriteBytes); err != nil {
		return nil, err
	}
	if m.Removes, err = register(reg, m.Removes); err != nil {
		return nil, err
	}
	if m.ChecksumFails, err = register(reg, m.ChecksumFails); err != nil {
		return nil, err
	}
	if m.DecodedHits, err = register(reg, m.DecodedHits); err != nil {
		return nil, err
	}
	if m.DecodedMisses, err = register(reg, m.DecodedMisses); err != nil {
		return nil, err
	}
	if m.FreeSectors, err = register(reg, m.FreeSectors); err != nil {
		return nil, err
	}
	if m.Maintenance, err = register(reg, m.Maintenance); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing the collector already registered under the
// same descriptor so several caches can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Read records one archive read.
func (m *Metrics) Read(index int, result string, stored int) {
	if m == nil {
		return
	}
	idx := strconv.Itoa(index)
	m.Reads.WithLabelValues(idx, result).Inc()
	if stored > 0 {
		m.ReadBytes.WithLabelValues(idx).Add(float64(stored))
	}
}

// Write records one archive write.
func (m *Metrics) Write(index int, result string, stored int) {
	if m == nil {
		return
	}
	idx := strconv.Itoa(index)
	m.Writes.WithLabelValues(idx, result).Inc()
	if stored > 0 {
		m.WriteBytes.WithLabelValues(idx).Add(float64(stored))
	}
}

// Remove records one removal.
func (m *Metrics) Remove(index int) {
	if m == nil {
		return
	}
	m.Removes.WithLabelValues(strconv.Itoa(index)).Inc()
}

// ChecksumFailure records a rejected read.
func (m *Metrics) ChecksumFailure(index int) {
	if m == nil {
		return
	}
	m.ChecksumFails.WithLabelValues(strconv.Itoa(index)).Inc()
}

// Decoded records a decoded-cache lookup.
func (m *Metrics) Decoded(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.DecodedHits.Inc()
		return
	}
	m.DecodedMisses.Inc()
}

// Free sets the free sector gauge of a block file.
func (m *Metrics) Free(file string, n int) {
	if m == nil {
		return
	}
	m.FreeSectors.WithLabelValues(file).Set(float64(n))
}

// Maintained records a maintenance run.
func (m *Metrics) Maintained(operation string) {
	if m == nil {
		return
	}
	m.Maintenance.WithLabelValues(operation).Inc()
}
