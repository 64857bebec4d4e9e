package types

import "time"

// DailyHour is the hour sentinel used by daily rollup rows.
const DailyHour = -1

// MetricsDims identifies one rollup row. Empty strings are the "none" sentinel.
type MetricsDims struct {
	Date         time.Time
	Hour         int
	TenantID     string
	EmailType    EmailType
	Provider     ProviderKind
	TemplateCode string
}

// Daily returns dims for the daily row of day t (UTC).
func Daily(t time.Time, tenantID string, emailType EmailType, provider ProviderKind, templateCode string) MetricsDims {
	y, m, d := t.UTC().Date()
	return MetricsDims{
		Date:         time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		Hour:         DailyHour,
		TenantID:     tenantID,
		EmailType:    emailType,
		Provider:     provider,
		TemplateCode: templateCode,
	}
}

// MetricsCounts are the additive counters of a rollup row.
type MetricsCounts struct {
	Sent        int64 `json:"sent"`
	Delivered   int64 `json:"delivered"`
	Bounced     int64 `json:"bounced"`
	HardBounced int64 `json:"hardBounced"`
	SoftBounced int64 `json:"softBounced"`
	Complaints  int64 `json:"complaints"`
}

// Add accumulates o into c.
func (c *MetricsCounts) Add(o MetricsCounts) {
	c.Sent += o.Sent
	c.Delivered += o.Delivered
	c.Bounced += o.Bounced
	c.HardBounced += o.HardBounced
	c.SoftBounced += o.SoftBounced
	c.Complaints += o.Complaints
}

// IsZero reports whether every counter is zero.
func (c MetricsCounts) IsZero() bool {
	return c == MetricsCounts{}
}

// MetricsRollup is a persisted counter row.
type MetricsRollup struct {
	MetricsDims
	MetricsCounts
	UpdatedAt time.Time
}

// DeliveryRates are derived from counts; all zero when nothing was sent.
type DeliveryRates struct {
	DeliveryRate  float64     `json:"deliveryRate"`
	BounceRate    float64     `json:"bounceRate"`
	ComplaintRate float64     `json:"complaintRate"`
	Band          MetricsBand `json:"band"`
}

// RatesFor derives rates and the health band from counts.
// Band thresholds: healthy above 98, warning from 95 to 98, critical below 95.
func RatesFor(c MetricsCounts) DeliveryRates {
	if c.Sent <= 0 {
		return DeliveryRates{Band: BandHealthy}
	}
	sent := float64(c.Sent)
	r := DeliveryRates{
		DeliveryRate:  float64(c.Sent-c.Bounced) / sent * 100,
		BounceRate:    float64(c.Bounced) / sent * 100,
		ComplaintRate: float64(c.Complaints) / sent * 100,
	}
	r.Band = BandFor(r.DeliveryRate)
	return r
}

// BandFor classifies a delivery rate percentage.
func BandFor(deliveryRate float64) MetricsBand {
	switch {
	case deliveryRate > 98:
		return BandHealthy
	case deliveryRate >= 95:
		return BandWarning
	}
	return BandCritical
}

// ProviderMetrics is one row of the byProvider breakdown.
type ProviderMetrics struct {
	Provider ProviderKind `json:"provider,omitempty"`
	MetricsCounts
	DeliveryRates
}

// AggregatedMetrics is the windowed overview returned to operators.
type AggregatedMetrics struct {
	Days       int               `json:"days"`
	Since      time.Time         `json:"since"`
	Overview   ProviderMetrics   `json:"overview"`
	ByProvider []ProviderMetrics `json:"byProvider"`
}
