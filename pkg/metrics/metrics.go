// Package metrics экспортирует счетчики шлюза в Prometheus.
//
// Collector реализует интерфейсы Observer всех компонентов через адаптеры:
// Scheduler(), Network(), Demux(), Jitter(), Channel(), Gateway().
package metrics

import (
	"github.com/arzzra/media_gateway/pkg/channel"
	"github.com/arzzra/media_gateway/pkg/demux"
	"github.com/arzzra/media_gateway/pkg/gateway"
	"github.com/arzzra/media_gateway/pkg/jitter"
	"github.com/arzzra/media_gateway/pkg/network"
	"github.com/arzzra/media_gateway/pkg/packet"
	"github.com/arzzra/media_gateway/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace пространство имен метрик
const DefaultNamespace = "media_gateway"

// Collector набор метрик шлюза
type Collector struct {
	tasksExecuted *prometheus.CounterVec
	tasksFailed   *prometheus.CounterVec

	socketsOpen  prometheus.Gauge
	portsBound   *prometheus.CounterVec
	bindRetries  prometheus.Counter
	socketErrors *prometheus.CounterVec

	demuxPackets *prometheus.CounterVec
	demuxBytes   *prometheus.CounterVec
	demuxDropped *prometheus.CounterVec

	jitterDropped *prometheus.CounterVec

	channelDropped  *prometheus.CounterVec
	channelTimeouts prometheus.Counter
	channelsActive  prometheus.Gauge
	channelsOpened  prometheus.Counter
}

// New регистрирует метрики в reg. nil означает prometheus.DefaultRegisterer.
func New(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		tasksExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_executed_total",
			Help:      "Number of task work units executed by class",
		}, []string{"class"}),
		tasksFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_failed_total",
			Help:      "Number of tasks dropped after an error or panic",
		}, []string{"class"}),

		socketsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "sockets_open",
			Help:      "Number of open datagram sockets",
		}),
		portsBound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "ports_bound_total",
			Help:      "Number of successful socket binds by address scope",
		}, []string{"scope"}),
		bindRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "bind_retries_total",
			Help:      "Number of bind attempts that hit a port in use",
		}),
		socketErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "io_errors_total",
			Help:      "Number of socket I/O errors by operation",
		}, []string{"op"}),

		demuxPackets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "demux",
			Name:      "packets_total",
			Help:      "Number of datagrams accepted by protocol",
		}, []string{"kind"}),
		demuxBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "demux",
			Name:      "bytes_total",
			Help:      "Number of bytes accepted by protocol",
		}, []string{"kind"}),
		demuxDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "demux",
			Name:      "dropped_total",
			Help:      "Number of datagrams dropped by the demultiplexer",
		}, []string{"reason"}),

		jitterDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jitter",
			Name:      "dropped_total",
			Help:      "Number of packets dropped by jitter buffers",
		}, []string{"reason"}),

		channelDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "dropped_total",
			Help:      "Number of RTP packets dropped by channels",
		}, []string{"reason"}),
		channelTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "rtp_timeouts_total",
			Help:      "Number of channels that reached the RTP inactivity timeout",
		}),
		channelsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "channels_active",
			Help:      "Number of open channels",
		}),
		channelsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "channels_opened_total",
			Help:      "Number of channels opened",
		}),
	}
}

// Scheduler наблюдатель планировщика
func (c *Collector) Scheduler() scheduler.Observer { return schedulerObserver{c} }

// Network наблюдатель мультиплексора
func (c *Collector) Network() network.Observer { return networkObserver{c} }

// Demux наблюдатель демультиплексоров
func (c *Collector) Demux() demux.Observer { return demuxObserver{c} }

// Jitter наблюдатель jitter buffer
func (c *Collector) Jitter() jitter.Observer { return jitterObserver{c} }

// Channel наблюдатель каналов
func (c *Collector) Channel() channel.Observer { return channelObserver{c} }

// Gateway наблюдатель жизненного цикла каналов
func (c *Collector) Gateway() gateway.Observer { return gatewayObserver{c} }

type schedulerObserver struct{ c *Collector }

func (o schedulerObserver) TaskExecuted(class scheduler.Class) {
	o.c.tasksExecuted.WithLabelValues(class.String()).Inc()
}

func (o schedulerObserver) TaskFailed(class scheduler.Class, _ string) {
	o.c.tasksFailed.WithLabelValues(class.String()).Inc()
}

type networkObserver struct{ c *Collector }

func (o networkObserver) HandleOpened() { o.c.socketsOpen.Inc() }
func (o networkObserver) HandleClosed() { o.c.socketsOpen.Dec() }
func (o networkObserver) BindRetried()  { o.c.bindRetries.Inc() }

func (o networkObserver) PortBound(scope network.Scope) {
	o.c.portsBound.WithLabelValues(scope.String()).Inc()
}

func (o networkObserver) IOError(op string) {
	o.c.socketErrors.WithLabelValues(op).Inc()
}

type demuxObserver struct{ c *Collector }

func (o demuxObserver) PacketAccepted(kind packet.Kind, size int) {
	o.c.demuxPackets.WithLabelValues(kind.String()).Inc()
	o.c.demuxBytes.WithLabelValues(kind.String()).Add(float64(size))
}

func (o demuxObserver) PacketDropped(reason demux.DropReason) {
	o.c.demuxDropped.WithLabelValues(string(reason)).Inc()
}

type jitterObserver struct{ c *Collector }

func (o jitterObserver) EntryDropped(reason jitter.DropReason) {
	o.c.jitterDropped.WithLabelValues(string(reason)).Inc()
}

type channelObserver struct{ c *Collector }

func (o channelObserver) PacketDropped(reason channel.DropReason) {
	o.c.channelDropped.WithLabelValues(string(reason)).Inc()
}

func (o channelObserver) TimedOut() { o.c.channelTimeouts.Inc() }

type gatewayObserver struct{ c *Collector }

func (o gatewayObserver) ChannelOpened() {
	o.c.channelsOpened.Inc()
	o.c.channelsActive.Inc()
}

func (o gatewayObserver) ChannelClosed() { o.c.channelsActive.Dec() }
