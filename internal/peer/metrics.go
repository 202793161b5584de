package peer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "baskets_peer",
		Name:      "requests_total",
		Help:      "Answered requests by opcode, channel and error code",
	}, []string{"op", "channel", "code"})

	requestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "baskets_peer",
		Name:      "request_duration_seconds",
		Help:      "Time from arrival to response",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"op"})

	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "baskets_peer",
		Name:      "dropped_total",
		Help:      "Requests dropped without a response",
	}, []string{"op", "reason"})

	notifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "baskets_peer",
		Name:      "notifications_total",
		Help:      "Learning notifications sent to gateways",
	}, []string{"op"})

	stageDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "baskets_peer",
		Name:      "stage_queue_depth",
		Help:      "Tickets waiting in each pipeline stage",
	}, []string{"stage"})
)
