// Package metrics exposes Prometheus counters for captured mail.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mailsandbox"

// Rejection reasons.
const (
	ReasonInvalid   = "invalid"
	ReasonMalformed = "malformed"
	ReasonInternal  = "internal"
)

// Metrics holds the collectors and the registry they are registered with.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ingested        *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	smtpConnections prometheus.Counter
}

// Counter reports the current number of stored records.
type Counter interface {
	Len(ctx context.Context) (int, error)
}

// New creates the collectors on a fresh registry. If stored is non-nil a
// gauge reports its size at scrape time.
func New(stored Counter) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ingested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "emails_ingested_total",
				Help:      "Number of captured emails by ingestion source",
			},
			[]string{"source"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_rejected_total",
				Help:      "Number of emails refused by ingestion source and reason",
			},
			[]string{"source", "reason"},
		),
		smtpConnections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "smtp_connections_total",
				Help:      "Number of accepted SMTP client connections",
			},
		),
	}

	m.Registry.MustRegister(m.ingested, m.rejected, m.smtpConnections)

	if stored != nil {
		m.Registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "emails_stored",
				Help:      "Number of emails currently held in memory",
			},
			func() float64 {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				n, err := stored.Len(ctx)
				if err != nil {
					return 0
				}
				return float64(n)
			},
		))
	}

	return m
}

// Ingested counts one stored email.
func (m *Metrics) Ingested(source string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(source).Inc()
}

// Rejected counts one refused email.
func (m *Metrics) Rejected(source, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(source, reason).Inc()
}

// SMTPConnection counts one accepted SMTP connection.
func (m *Metrics) SMTPConnection() {
	if m == nil {
		return
	}
	m.smtpConnections.Inc()
}
