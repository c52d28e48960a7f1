// Package business records property-management domain metrics through the
// export pipeline. Validation of metric values is the caller's
// responsibility.
package business

import (
	"strconv"
	"time"

	"github.com/propertyhub/cloudmetrics/internal/metric"
)

// Sink accepts produced metrics; satisfied by the pipeline.
type Sink interface {
	AddMetric(m metric.Metric)
}

// Recorder produces business metrics under a service name prefix.
type Recorder struct {
	service string
	sink    Sink
}

// NewRecorder creates a Recorder.
func NewRecorder(service string, sink Sink) *Recorder {
	return &Recorder{service: service, sink: sink}
}

// TrackPropertyCreated records a property creation event.
func (r *Recorder) TrackPropertyCreated(propertyType string, monthlyRent float64) {
	ts := time.Now().Unix()
	r.sink.AddMetric(metric.NewSinglePointAt(
		r.service+".properties.created_total", 1,
		map[string]string{"property_type": propertyType},
		metric.Counter, ts))
	r.sink.AddMetric(metric.NewSinglePointAt(
		r.service+".properties.rent_amount_rub", monthlyRent,
		map[string]string{"property_type": propertyType, "action": "created"},
		metric.GaugeFloat, ts))
}

// TrackContractSigned records a signed rental contract.
func (r *Recorder) TrackContractSigned(propertyType string, monthlyRent float64, durationMonths int) {
	ts := time.Now().Unix()
	labels := map[string]string{"property_type": propertyType}
	r.sink.AddMetric(metric.NewSinglePointAt(
		r.service+".contracts.signed_total", 1, labels, metric.Counter, ts))
	r.sink.AddMetric(metric.NewSinglePointAt(
		r.service+".contracts.monthly_rent_rub", monthlyRent, labels, metric.GaugeFloat, ts))
	r.sink.AddMetric(metric.NewSinglePointAt(
		r.service+".contracts.duration_months", float64(durationMonths), labels, metric.GaugeFloat, ts))
}

// TrackPaymentReceived records an incoming payment.
func (r *Recorder) TrackPaymentReceived(paymentType string, amount float64, overdue bool) {
	ts := time.Now().Unix()
	labels := map[string]string{
		"payment_type": paymentType,
		"is_overdue":   strconv.FormatBool(overdue),
	}
	r.sink.AddMetric(metric.NewSinglePointAt(
		r.service+".payments.received_total", 1, labels, metric.Counter, ts))
	r.sink.AddMetric(metric.NewSinglePointAt(
		r.service+".payments.amount_rub", amount, labels, metric.GaugeFloat, ts))
}

// TrackVacancyRate records occupancy gauges derived from current counts.
func (r *Recorder) TrackVacancyRate(totalProperties, vacantProperties int) {
	ts := time.Now().Unix()
	rate := 0.0
	if totalProperties > 0 {
		rate = float64(vacantProperties) / float64(totalProperties) * 100
	}
	r.sink.AddMetric(metric.NewSinglePointAt(
		r.service+".properties.total_count", float64(totalProperties), nil, metric.GaugeInt, ts))
	r.sink.AddMetric(metric.NewSinglePointAt(
		r.service+".properties.vacant_count", float64(vacantProperties), nil, metric.GaugeInt, ts))
	r.sink.AddMetric(metric.NewSinglePointAt(
		r.service+".properties.vacancy_rate_percentage", rate, nil, metric.GaugeFloat, ts))
}
