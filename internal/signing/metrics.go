package signing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	signAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esign_sign_attempts_total",
		Help: "Signing submissions by outcome code.",
	}, []string{"outcome"})

	stampDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "esign_stamp_duration_seconds",
		Help:    "Time spent stamping a document.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	skippedSpotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esign_skipped_spots_total",
		Help: "Signature spots that could not be stamped, by reason.",
	}, []string{"reason"})

	requestsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "esign_requests_created_total",
		Help: "Signature requests created.",
	})

	remindersSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "esign_reminders_sent_total",
		Help: "Expiry reminders emitted.",
	})
)

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return string(CodeOf(err))
}
