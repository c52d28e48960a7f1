package metric

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestNewSinglePointAt(t *testing.T) {
	m := NewSinglePointAt("app.requests_total", 5, map[string]string{"method": "GET"}, Counter, 1700000000)

	if m.Name != "app.requests_total" {
		t.Errorf("expected name app.requests_total, got %s", m.Name)
	}
	if m.Kind != Counter {
		t.Errorf("expected kind COUNTER, got %s", m.Kind)
	}
	if len(m.Points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(m.Points))
	}
	if m.Points[0].Timestamp != 1700000000 || m.Points[0].Value != 5 {
		t.Errorf("unexpected point: %+v", m.Points[0])
	}
}

func TestNewSinglePointStampsNow(t *testing.T) {
	m := NewSinglePoint("app.gauge", 1.5, nil, GaugeFloat)
	if m.Points[0].Timestamp == 0 {
		t.Error("expected non-zero timestamp")
	}
}

func TestMarshalJSONWireShape(t *testing.T) {
	m := Metric{
		Name:   "app.latency_seconds",
		Labels: map[string]string{"endpoint": "/api"},
		Kind:   GaugeFloat,
		Points: []Point{
			{Timestamp: 100, Value: 0.25},
			{Timestamp: 160, Value: 0.5},
		},
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got["name"] != "app.latency_seconds" {
		t.Errorf("name = %v", got["name"])
	}
	if got["type"] != "DGAUGE" {
		t.Errorf("type = %v, expected DGAUGE", got["type"])
	}
	ts, ok := got["ts"].([]interface{})
	if !ok || len(ts) != 2 {
		t.Fatalf("ts = %v, expected 2-element array", got["ts"])
	}
	values, ok := got["values"].([]interface{})
	if !ok || len(values) != 2 {
		t.Fatalf("values = %v, expected 2-element array", got["values"])
	}
	if ts[0].(float64) != 100 || values[0].(float64) != 0.25 {
		t.Errorf("first sample mismatch: ts=%v value=%v", ts[0], values[0])
	}
}

func TestMarshalJSONNilLabels(t *testing.T) {
	m := NewSinglePointAt("app.count", 1, nil, GaugeInt, 100)
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got struct {
		Labels map[string]string `json:"labels"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Labels == nil {
		t.Error("expected empty labels object, got null")
	}
}

func TestKindWireNames(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{Counter, "COUNTER"},
		{GaugeFloat, "DGAUGE"},
		{GaugeInt, "IGAUGE"},
		{Rate, "RATE"},
	}
	for _, tt := range tests {
		if string(tt.kind) != tt.want {
			t.Errorf("kind %v: expected wire name %s", tt.kind, tt.want)
		}
	}
}

func TestEqual(t *testing.T) {
	base := NewSinglePointAt("m", 1, map[string]string{"a": "b"}, Counter, 10)

	if !base.Equal(NewSinglePointAt("m", 1, map[string]string{"a": "b"}, Counter, 10)) {
		t.Error("identical metrics should be equal")
	}
	if base.Equal(NewSinglePointAt("other", 1, map[string]string{"a": "b"}, Counter, 10)) {
		t.Error("different names should not be equal")
	}
	if base.Equal(NewSinglePointAt("m", 1, map[string]string{"a": "c"}, Counter, 10)) {
		t.Error("different labels should not be equal")
	}
	if base.Equal(NewSinglePointAt("m", 2, map[string]string{"a": "b"}, Counter, 10)) {
		t.Error("different values should not be equal")
	}
	if base.Equal(NewSinglePointAt("m", 1, map[string]string{"a": "b"}, Rate, 10)) {
		t.Error("different kinds should not be equal")
	}
}

func TestCountPoints(t *testing.T) {
	metrics := []Metric{
		NewSinglePointAt("a", 1, nil, Counter, 1),
		{Name: "b", Kind: GaugeFloat, Points: []Point{{1, 1}, {2, 2}, {3, 3}}},
	}
	if got := CountPoints(metrics); got != 4 {
		t.Errorf("CountPoints = %d, expected 4", got)
	}
	if got := CountPoints(nil); got != 0 {
		t.Errorf("CountPoints(nil) = %d, expected 0", got)
	}
}

func TestUnmarshalJSONRoundTrip(t *testing.T) {
	in := Metric{
		Name:   "app.latency_seconds",
		Labels: map[string]string{"endpoint": "/api"},
		Kind:   GaugeFloat,
		Points: []Point{{Timestamp: 100, Value: 0.25}, {Timestamp: 160, Value: 0.5}},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Metric
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !in.Equal(out) {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestMetricIsValueObject(t *testing.T) {
	// Marshalling must not mutate the metric.
	m := NewSinglePointAt("m", 1, map[string]string{"k": "v"}, Counter, 10)
	before := Metric{Name: m.Name, Labels: map[string]string{"k": "v"}, Kind: m.Kind, Points: append([]Point(nil), m.Points...)}
	if _, err := json.Marshal(m); err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !reflect.DeepEqual(m, before) {
		t.Error("marshal mutated the metric")
	}
}
