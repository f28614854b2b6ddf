package qalinker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "qalinker"

const (
	discardReasonExpired   = "expired"
	discardReasonQueueFull = "queue_full"
	discardReasonEmpty     = "empty"
	linkMethodReply        = "reply"
	linkMethodSimilarity   = "similarity"
)

// Metrics holds the bot's prometheus collectors. Each instance has its
// own registry, so multiple bots (like in tests) don't collide.
type Metrics struct {
	registry *prometheus.Registry

	messagesProcessed  *prometheus.CounterVec
	messagesDiscarded  *prometheus.CounterVec
	answersLinked      *prometheus.CounterVec
	suggestionsSent    prometheus.Counter
	processingErrors   prometheus.Counter
	processingDuration prometheus.Histogram
	embedErrors        prometheus.Counter
	embedDuration      prometheus.Histogram
	discordConnects    prometheus.Counter
	discordDisconnects prometheus.Counter
}

// NewMetrics creates and registers the bot's collectors, along with the
// standard go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_processed_total",
				Help:      "Messages processed, by intent.",
			},
			[]string{"intent"},
		),
		messagesDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_discarded_total",
				Help:      "Messages dropped before processing, by reason.",
			},
			[]string{"reason"},
		),
		answersLinked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "answers_linked_total",
				Help:      "Answers linked to a question, by how the question was found.",
			},
			[]string{"method"},
		),
		suggestionsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "suggestions_total",
				Help:      "New questions matched to a similar prior question.",
			},
		),
		processingErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "processing_errors_total",
				Help:      "Messages that failed to process.",
			},
		),
		processingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "processing_duration_seconds",
				Help:      "Time taken to embed, classify and link a message.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
		embedErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "embed_errors_total",
				Help:      "Failed embedding requests.",
			},
		),
		embedDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "embed_duration_seconds",
				Help:      "Time taken to embed a message, including failed attempts.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
		discordConnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discord_connects_total",
				Help:      "Discord gateway connections.",
			},
		),
		discordDisconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discord_disconnects_total",
				Help:      "Discord gateway disconnections.",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesProcessed,
		m.messagesDiscarded,
		m.answersLinked,
		m.suggestionsSent,
		m.processingErrors,
		m.processingDuration,
		m.embedErrors,
		m.embedDuration,
		m.discordConnects,
		m.discordDisconnects,
	)
	return m
}

// registerGauges adds gauges reporting the current history and queue
// sizes, and whether the discord gateway is connected
func (m *Metrics) registerGauges(
	history *History,
	queue *MessageQueue,
	discord *Discord,
) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "discord_gateway_connected",
				Help:      "1 while the discord gateway connection is up.",
			},
			func() float64 {
				if discord.connected.Load() {
					return 1
				}
				return 0
			},
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "history_records",
				Help:      "Messages currently held in history.",
			},
			func() float64 { return float64(history.Len()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "queue_size",
				Help:      "Messages waiting to be processed.",
			},
			func() float64 { return float64(queue.Len()) },
		),
	)
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
