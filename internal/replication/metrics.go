package replication

import (
	"net"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

var (
	entriesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "baskets_replication",
		Name:      "entries_total",
		Help:      "Replication queue entries by action and outcome",
	}, []string{"action", "result"})

	bytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "baskets_replication",
		Name:      "sent_bytes_total",
		Help:      "Bytes of basket content pushed to colleagues",
	})

	receivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "baskets_replication",
		Name:      "received_total",
		Help:      "Replication requests handled by the receiver",
	}, []string{"op", "result"})

	dispatchDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "baskets_replication",
		Name:      "dispatch_queue_depth",
		Help:      "Entries waiting in the in-memory dispatch queue",
	})
)

const (
	resultDone     = "done"
	resultFailover = "failover"
	resultSleep    = "sleep"
	resultDrop     = "drop"
	resultError    = "error"
)

// Meters tracks sender throughput in a go-metrics registry, which can be
// shipped to graphite.
type Meters struct {
	Registry gometrics.Registry
	Bytes    gometrics.Meter
	Entries  gometrics.Meter
	Failures gometrics.Meter
	Transfer gometrics.Timer
}

func NewMeters() *Meters {
	r := gometrics.NewRegistry()
	return &Meters{
		Registry: r,
		Bytes:    gometrics.GetOrRegisterMeter("replication.bytes", r),
		Entries:  gometrics.GetOrRegisterMeter("replication.entries", r),
		Failures: gometrics.GetOrRegisterMeter("replication.failures", r),
		Transfer: gometrics.GetOrRegisterTimer("replication.transfer", r),
	}
}

func (m *Meters) sent(n int) {
	m.Bytes.Mark(int64(n))
	bytesSent.Add(float64(n))
}

func (m *Meters) outcome(action Action, result string) {
	entriesProcessed.WithLabelValues(string(action), result).Inc()
	switch result {
	case resultDone, resultFailover:
		m.Entries.Mark(1)
	case resultSleep, resultError:
		m.Failures.Mark(1)
	}
}

// Snapshot summarizes the meters for status reports.
func (m *Meters) Snapshot() map[string]int64 {
	return map[string]int64{
		"replication.bytes":    m.Bytes.Count(),
		"replication.entries":  m.Entries.Count(),
		"replication.failures": m.Failures.Count(),
	}
}

// ReportGraphite ships the registry to addr every interval until the
// process exits. It is a no-op when addr is empty.
func (m *Meters) ReportGraphite(addr, prefix string, interval time.Duration, logger *logrus.Logger) error {
	if addr == "" {
		return nil
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	logger.Infof("reporting replication meters to graphite %s every %v", addr, interval)
	go graphite.Graphite(m.Registry, interval, prefix, tcpAddr)
	return nil
}
