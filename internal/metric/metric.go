// Package metric defines the in-memory model for time series shipped to
// Cloud Monitoring. A Metric is a value object: it is created by a producer
// and owned by whichever buffer holds it until it is exported or discarded.
package metric

import (
	"encoding/json"
	"time"
)

// Kind is the metric type understood by the Cloud Monitoring write API.
// The constant values are the wire names and marshal as-is.
type Kind string

const (
	// Counter is a monotonically non-decreasing value.
	Counter Kind = "COUNTER"
	// GaugeFloat is a floating point gauge (wire name DGAUGE).
	GaugeFloat Kind = "DGAUGE"
	// GaugeInt is an integer gauge (wire name IGAUGE).
	GaugeInt Kind = "IGAUGE"
	// Rate is a per-second rate derived from a counter by the backend.
	Rate Kind = "RATE"
)

// Point is a single timestamped sample. Immutable once created.
type Point struct {
	// Timestamp is seconds since the Unix epoch.
	Timestamp int64
	// Value is the sample value.
	Value float64
}

// Metric is a named, labeled time series with one or more points in
// chronological order. Numeric constraints (COUNTER and RATE values are
// non-negative) are the producer's responsibility.
type Metric struct {
	Name   string
	Labels map[string]string
	Kind   Kind
	Points []Point
}

// NewSinglePoint builds a one-point metric stamped with the current time.
func NewSinglePoint(name string, value float64, labels map[string]string, kind Kind) Metric {
	return NewSinglePointAt(name, value, labels, kind, time.Now().Unix())
}

// NewSinglePointAt builds a one-point metric with an explicit timestamp.
func NewSinglePointAt(name string, value float64, labels map[string]string, kind Kind, ts int64) Metric {
	return Metric{
		Name:   name,
		Labels: labels,
		Kind:   kind,
		Points: []Point{{Timestamp: ts, Value: value}},
	}
}

// wireMetric is the write API representation: timestamps and values are
// parallel arrays of equal length.
type wireMetric struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels"`
	Type   Kind              `json:"type"`
	TS     []int64           `json:"ts"`
	Values []float64         `json:"values"`
}

// MarshalJSON serializes the metric in the write API shape.
func (m Metric) MarshalJSON() ([]byte, error) {
	w := wireMetric{
		Name:   m.Name,
		Labels: m.Labels,
		Type:   m.Kind,
		TS:     make([]int64, len(m.Points)),
		Values: make([]float64, len(m.Points)),
	}
	if w.Labels == nil {
		w.Labels = map[string]string{}
	}
	for i, p := range m.Points {
		w.TS[i] = p.Timestamp
		w.Values[i] = p.Value
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the write API shape back into a Metric.
func (m *Metric) UnmarshalJSON(data []byte) error {
	var w wireMetric
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Name = w.Name
	m.Labels = w.Labels
	m.Kind = w.Type
	m.Points = make([]Point, len(w.TS))
	for i, ts := range w.TS {
		m.Points[i].Timestamp = ts
		if i < len(w.Values) {
			m.Points[i].Value = w.Values[i]
		}
	}
	return nil
}

// Equal reports whether two metrics have the same name, labels, kind and points.
func (m Metric) Equal(other Metric) bool {
	if m.Name != other.Name || m.Kind != other.Kind || len(m.Labels) != len(other.Labels) || len(m.Points) != len(other.Points) {
		return false
	}
	for k, v := range m.Labels {
		if ov, ok := other.Labels[k]; !ok || ov != v {
			return false
		}
	}
	for i, p := range m.Points {
		if other.Points[i] != p {
			return false
		}
	}
	return true
}

// CountPoints sums the number of points across a batch.
func CountPoints(metrics []Metric) int {
	n := 0
	for _, m := range metrics {
		n += len(m.Points)
	}
	return n
}
