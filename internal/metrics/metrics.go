// Package metrics defines the Prometheus metrics exported by thankyou.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ViewsCreated counts thank-you views created from a navigation state.
	ViewsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "thankyou_views_created_total",
			Help: "Number of thank-you views created.",
		})

	// ViewsEvicted counts views removed from the cache, by reason.
	ViewsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thankyou_views_evicted_total",
			Help: "Number of thank-you views torn down.",
		}, []string{"reason"})

	// FinishSignals counts completion signals, by outcome
	// ("finished" or "aborted").
	FinishSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thankyou_finish_signals_total",
			Help: "Number of widget completion signals received.",
		}, []string{"outcome"})

	// Submissions counts submission attempts, by result
	// ("ok", "rejected", "transport", "cancelled", "error").
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thankyou_submissions_total",
			Help: "Number of submission updates sent to the backend.",
		}, []string{"result"})

	// SubmissionDuration is the latency of submission requests.
	SubmissionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "thankyou_submission_duration_seconds",
			Help:    "Submission request latency.",
			Buckets: prometheus.DefBuckets,
		})
)
