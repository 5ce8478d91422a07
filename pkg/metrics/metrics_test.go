package metrics

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/arzzra/media_gateway/pkg/channel"
	"github.com/arzzra/media_gateway/pkg/clock"
	"github.com/arzzra/media_gateway/pkg/demux"
	"github.com/arzzra/media_gateway/pkg/format"
	"github.com/arzzra/media_gateway/pkg/jitter"
	"github.com/arzzra/media_gateway/pkg/logger"
	"github.com/arzzra/media_gateway/pkg/network"
	"github.com/arzzra/media_gateway/pkg/packet"
	"github.com/arzzra/media_gateway/pkg/scheduler"
	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var from = netip.MustParseAddrPort("192.0.2.1:5004")

func newCollector(t *testing.T) *Collector {
	t.Helper()
	return New("test", prometheus.NewRegistry())
}

func rtpPacket(t *testing.T, seq uint16) *packet.Packet {
	t.Helper()
	p, err := packet.BuildRTP(rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 160, SSRC: 1},
		make([]byte, 160), from, 0)
	require.NoError(t, err)
	return p
}

func TestSchedulerMetrics(t *testing.T) {
	c := newCollector(t)
	sched, err := scheduler.New(scheduler.Config{Workers: 1, Tick: time.Millisecond}, clock.NewManual(0),
		scheduler.WithLogger(logger.Discard()), scheduler.WithObserver(c.Scheduler()))
	require.NoError(t, err)

	sched.Submit(scheduler.NewTask("ok", func() (time.Duration, error) {
		return scheduler.Done, nil
	}), scheduler.ClassInput)
	sched.Submit(scheduler.NewTask("fail", func() (time.Duration, error) {
		return 0, errors.New("сбой")
	}), scheduler.ClassOutput)
	sched.RunPending()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksExecuted.WithLabelValues(scheduler.ClassInput.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksExecuted.WithLabelValues(scheduler.ClassOutput.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksFailed.WithLabelValues(scheduler.ClassOutput.String())))
}

func TestNetworkMetrics(t *testing.T) {
	c := newCollector(t)
	obs := c.Network()

	obs.HandleOpened()
	obs.HandleOpened()
	obs.HandleClosed()
	obs.PortBound(network.ScopeExternal)
	obs.BindRetried()
	obs.IOError("recvfrom")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.socketsOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.portsBound.WithLabelValues("external")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.bindRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.socketErrors.WithLabelValues("recvfrom")))
}

func TestDemuxMetrics(t *testing.T) {
	c := newCollector(t)
	d := demux.New(clock.NewManual(0), demux.WithLogger(logger.Discard()), demux.WithObserver(c.Demux()))
	d.Handle(packet.KindRTP, demux.HandlerFunc(func(*packet.Packet) {}))

	p := rtpPacket(t, 1)
	d.Dispatch(p.Raw, from)
	d.Dispatch([]byte{0xFF, 0x00, 0x01}, from)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.demuxPackets.WithLabelValues("rtp")))
	assert.Equal(t, float64(len(p.Raw)), testutil.ToFloat64(c.demuxBytes.WithLabelValues("rtp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.demuxDropped.WithLabelValues(string(demux.DropUnknownProtocol))))
}

func TestJitterMetrics(t *testing.T) {
	c := newCollector(t)
	jb, err := jitter.New(jitter.DefaultConfig(), jitter.WithLogger(logger.Discard()), jitter.WithObserver(c.Jitter()))
	require.NoError(t, err)

	p := rtpPacket(t, 10)
	jb.Write(p, format.PCMU)
	jb.Write(p, format.PCMU)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jitterDropped.WithLabelValues(string(jitter.DropDuplicate))))
}

func TestChannelMetrics(t *testing.T) {
	c := newCollector(t)
	sched, err := scheduler.New(scheduler.Config{Workers: 1, Tick: time.Millisecond}, clock.NewManual(0),
		scheduler.WithLogger(logger.Discard()))
	require.NoError(t, err)

	ch, err := channel.New("m", channel.DefaultConfig(), sched,
		channel.WithLogger(logger.Discard()), channel.WithObserver(c.Channel()))
	require.NoError(t, err)
	ch.Activate()
	ch.Receive(rtpPacket(t, 1))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.channelDropped.WithLabelValues(string(channel.DropNotReceivable))))

	c.Channel().TimedOut()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.channelTimeouts))
}

func TestGatewayMetrics(t *testing.T) {
	c := newCollector(t)
	obs := c.Gateway()

	obs.ChannelOpened()
	obs.ChannelOpened()
	obs.ChannelClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.channelsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.channelsActive))
}

func TestRegistryIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	New("", reg)

	assert.Panics(t, func() { New("", reg) }, "повторная регистрация в том же реестре")
	assert.NotPanics(t, func() { New("", prometheus.NewRegistry()) })

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		assert.Contains(t, mf.GetName(), DefaultNamespace+"_")
	}
}
