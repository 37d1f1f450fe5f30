package chat

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	MessagesWritten  prometheus.Counter
	DuplicateWrites  prometheus.Counter
	WriteLatency     prometheus.Histogram
	Watchers         prometheus.Gauge
	FanoutDropped    prometheus.Counter
	AssistantReplies *prometheus.CounterVec
}

// NewMetrics registers the chat collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vibez",
			Name:      "messages_written_total",
			Help:      "Messages durably stored.",
		}),
		DuplicateWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vibez",
			Name:      "duplicate_writes_total",
			Help:      "Writes absorbed because their correlation id was already stored.",
		}),
		WriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vibez",
			Name:      "message_write_seconds",
			Help:      "Time to store a message and its conversation summary.",
			Buckets:   prometheus.DefBuckets,
		}),
		Watchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vibez",
			Name:      "watchers",
			Help:      "Open watch subscriptions on this instance.",
		}),
		FanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vibez",
			Name:      "fanout_dropped_total",
			Help:      "Watchers disconnected because they could not keep up.",
		}),
		AssistantReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vibez",
			Name:      "assistant_replies_total",
			Help:      "Assistant replies by outcome.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.MessagesWritten, m.DuplicateWrites, m.WriteLatency, m.Watchers, m.FanoutDropped, m.AssistantReplies)
	return m
}
