package metrics

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace      = "creditmeter"
	labelOperation = "operation"
	labelStatus    = "status"
	labelType      = "type"
	unknownLabel   = "unknown"
)

// Recorder exports ledger operations as Prometheus metrics. It implements ledger.OperationLogger.
type Recorder struct {
	operations *prometheus.CounterVec
	credits    *prometheus.CounterVec
	balance    prometheus.Histogram
}

// NewRecorder creates the collectors and registers them with registerer.
func NewRecorder(registerer prometheus.Registerer) (*Recorder, error) {
	recorder := &Recorder{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Ledger and reward operations by outcome status.",
			},
			[]string{labelOperation, labelStatus},
		),
		credits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_moved_total",
				Help:      "Credits committed to the ledger by transaction type.",
			},
			[]string{labelType},
		),
		balance: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "balance_after_credits",
				Help:      "Balance observed after each committed movement.",
				Buckets:   []float64{0, 10, 20, 50, 100, 250, 500, 1000, 5000},
			},
		),
	}
	for _, collector := range []prometheus.Collector{recorder.operations, recorder.credits, recorder.balance} {
		if err := registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return recorder, nil
}

// LogOperation counts one operation outcome.
func (recorder *Recorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	recorder.operations.WithLabelValues(labelOrUnknown(entry.Operation), labelOrUnknown(entry.Status)).Inc()
	if entry.Status != ledger.OperationStatusOK || entry.Amount == 0 {
		return
	}
	moved := entry.Amount.Int64()
	if moved < 0 {
		moved = -moved
	}
	recorder.credits.WithLabelValues(labelOrUnknown(entry.TransactionType.String())).Add(float64(moved))
	recorder.balance.Observe(float64(entry.Balance.Int64()))
}

func labelOrUnknown(value string) string {
	if value == "" {
		return unknownLabel
	}
	return value
}
