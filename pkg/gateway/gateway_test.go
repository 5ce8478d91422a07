//go:build linux

package gateway

import (
	"math/rand"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arzzra/media_gateway/pkg/channel"
	"github.com/arzzra/media_gateway/pkg/clock"
	"github.com/arzzra/media_gateway/pkg/format"
	"github.com/arzzra/media_gateway/pkg/logger"
	"github.com/arzzra/media_gateway/pkg/network"
	"github.com/arzzra/media_gateway/pkg/scheduler"
	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	opened, closed atomic.Int32
}

func (c *countingObserver) ChannelOpened() { c.opened.Add(1) }
func (c *countingObserver) ChannelClosed() { c.closed.Add(1) }

type testGateway struct {
	*Gateway
	clk   *clock.Manual
	sched *scheduler.Scheduler
	obs   *countingObserver
	low   int
	high  int
}

func newTestGateway(t *testing.T, cfg Config) *testGateway {
	t.Helper()

	clk := clock.NewManual(0)
	sched, err := scheduler.New(scheduler.Config{Workers: 1, Tick: time.Millisecond}, clk,
		scheduler.WithLogger(logger.Discard()))
	require.NoError(t, err)

	low := 30000 + 2*rand.Intn(10000)
	ports, err := network.NewPortManager(low, low+200)
	require.NoError(t, err)

	netCfg := network.DefaultConfig()
	netCfg.Socket.DSCP = 0
	mux, err := network.New(netCfg, sched, ports, network.WithLogger(logger.Discard()))
	require.NoError(t, err)
	mux.Start()
	t.Cleanup(mux.Stop)

	obs := &countingObserver{}
	g, err := New(cfg, sched, mux, WithLogger(logger.Discard()), WithObserver(obs))
	require.NoError(t, err)
	t.Cleanup(g.Shutdown)

	return &testGateway{Gateway: g, clk: clk, sched: sched, obs: obs, low: low, high: low + 200}
}

// pump выполняет такты планировщика, пока условие не выполнится
func (tg *testGateway) pump(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 300; i++ {
		tg.sched.Tick()
		tg.sched.RunPending()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("условие не выполнено")
}

func attribute(attrs []sdp.Attribute, key string) []string {
	var values []string
	for _, a := range attrs {
		if a.Key == key {
			values = append(values, a.Value)
		}
	}
	return values
}

func TestUnknownChannel(t *testing.T) {
	g := newTestGateway(t, DefaultConfig())

	checks := map[string]error{
		"SetMode":       g.SetMode("нет", channel.ModeSendRecv),
		"SetFormats":    g.SetFormats("нет", format.NewMap(format.PCMU)),
		"Activate":      g.Activate("нет"),
		"Deactivate":    g.Deactivate("нет"),
		"SetRemotePeer": g.SetRemotePeer("нет", netip.MustParseAddrPort("127.0.0.1:5000")),
		"SetTransform":  g.SetTransform("нет", nil),
		"Close":         g.Close("нет"),
	}
	for name, err := range checks {
		assert.Equal(t, ErrorCodeChannelNotFound, CodeOf(err), name)
	}

	_, err := g.Bind("нет", network.AnyPort, network.ScopeLocal)
	assert.Equal(t, ErrorCodeChannelNotFound, CodeOf(err))
	_, err = g.Statistics("нет")
	assert.Equal(t, ErrorCodeChannelNotFound, CodeOf(err))
	_, err = g.GenerateOffer("нет")
	assert.Equal(t, ErrorCodeChannelNotFound, CodeOf(err))
}

func TestChannelLifecycle(t *testing.T) {
	g := newTestGateway(t, DefaultConfig())

	id, err := g.OpenChannel()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, g.Channels())
	assert.Equal(t, int32(1), g.obs.opened.Load())

	stats, err := g.Statistics(id)
	require.NoError(t, err)
	assert.Equal(t, channel.StateIdle, stats.State)
	assert.Equal(t, channel.ModeInactive, stats.Mode)

	require.NoError(t, g.SetMode(id, channel.ModeRecvOnly))
	require.NoError(t, g.SetFormats(id, format.NewMap(format.PCMA)))
	require.NoError(t, g.Activate(id))

	ch, err := g.Channel(id)
	require.NoError(t, err)
	assert.Equal(t, channel.StateActivated, ch.State())
	assert.Equal(t, channel.ModeRecvOnly, ch.Mode())

	require.NoError(t, g.Deactivate(id))
	assert.Equal(t, channel.StateDeactivated, ch.State())

	require.NoError(t, g.Close(id))
	assert.Empty(t, g.Channels())
	assert.Equal(t, int32(1), g.obs.closed.Load())
	assert.Equal(t, ErrorCodeChannelNotFound, CodeOf(g.Close(id)))
}

func TestSetFormatsValidates(t *testing.T) {
	g := newTestGateway(t, DefaultConfig())
	id, err := g.OpenChannel()
	require.NoError(t, err)

	err = g.SetFormats(id, format.Map{5: format.PCMU})
	assert.Equal(t, ErrorCodeInvalidFormats, CodeOf(err))

	err = g.SetRemotePeer(id, netip.AddrPort{})
	assert.Equal(t, ErrorCodeInvalidPeer, CodeOf(err))
}

func TestBindAllocatesEvenPort(t *testing.T) {
	g := newTestGateway(t, DefaultConfig())
	id, err := g.OpenChannel()
	require.NoError(t, err)

	_, err = g.LocalAddr(id)
	assert.Equal(t, ErrorCodeNotBound, CodeOf(err))

	addr, err := g.Bind(id, network.AnyPort, network.ScopeLocal)
	require.NoError(t, err)
	assert.Equal(t, 0, int(addr.Port())%2)
	assert.GreaterOrEqual(t, int(addr.Port()), g.low)
	assert.LessOrEqual(t, int(addr.Port()), g.high)

	local, err := g.LocalAddr(id)
	require.NoError(t, err)
	assert.Equal(t, addr, local)

	_, err = g.Bind(id, network.AnyPort, network.ScopeLocal)
	assert.Equal(t, ErrorCodeAlreadyBound, CodeOf(err))
}

func TestGenerateOffer(t *testing.T) {
	g := newTestGateway(t, DefaultConfig())
	id, err := g.OpenChannel()
	require.NoError(t, err)

	_, err = g.GenerateOffer(id)
	assert.Equal(t, ErrorCodeNotBound, CodeOf(err))

	addr, err := g.Bind(id, network.AnyPort, network.ScopeLocal)
	require.NoError(t, err)

	_, err = g.GenerateOffer(id)
	assert.Equal(t, ErrorCodeOfferFailed, CodeOf(err), "предложение без форматов")

	require.NoError(t, g.SetFormats(id, format.NewMap(format.DTMF, format.PCMA, format.PCMU)))
	require.NoError(t, g.SetMode(id, channel.ModeSendOnly))

	offer, err := g.GenerateOffer(id)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", offer.ConnectionInformation.Address.Address)
	assert.Equal(t, "IP4", offer.Origin.AddressType)
	require.Len(t, offer.MediaDescriptions, 1)

	media := offer.MediaDescriptions[0]
	assert.Equal(t, "audio", media.MediaName.Media)
	assert.Equal(t, int(addr.Port()), media.MediaName.Port.Value)
	assert.Equal(t, []string{"RTP", "AVP"}, media.MediaName.Protos)
	assert.Equal(t, []string{"0", "8", "101"}, media.MediaName.Formats)
	assert.Equal(t, []string{"0 PCMU/8000", "8 PCMA/8000", "101 telephone-event/8000"}, attribute(media.Attributes, "rtpmap"))
	assert.Equal(t, []string{"101 0-16"}, attribute(media.Attributes, "fmtp"))
	assert.Equal(t, []string{"20"}, attribute(media.Attributes, "ptime"))
	assert.Len(t, attribute(media.Attributes, "sendonly"), 1)
	assert.Empty(t, attribute(media.Attributes, "sendrecv"))
	assert.Empty(t, attribute(offer.Attributes, "ice-lite"))

	raw, err := offer.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "m=audio ")
}

func TestGenerateOfferWithICELite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ICELite = true
	g := newTestGateway(t, cfg)

	id, err := g.OpenChannel()
	require.NoError(t, err)
	_, err = g.Bind(id, network.AnyPort, network.ScopeLocal)
	require.NoError(t, err)
	require.NoError(t, g.SetFormats(id, format.NewMap(format.PCMU)))

	offer, err := g.GenerateOffer(id)
	require.NoError(t, err)

	assert.Len(t, attribute(offer.Attributes, "ice-lite"), 1)
	media := offer.MediaDescriptions[0]
	ufrag := attribute(media.Attributes, "ice-ufrag")
	pwd := attribute(media.Attributes, "ice-pwd")
	require.Len(t, ufrag, 1)
	require.Len(t, pwd, 1)
	assert.Len(t, ufrag[0], 8)
	assert.Len(t, pwd[0], 24)
	assert.Len(t, attribute(media.Attributes, "inactive"), 1)
}

func TestLoopbackCall(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channel.UseJitter = false
	g := newTestGateway(t, cfg)

	var mu sync.Mutex
	var frames []channel.Frame
	sink := channel.FrameSinkFunc(func(f channel.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})

	caller, err := g.OpenChannel()
	require.NoError(t, err)
	callee, err := g.OpenChannel(channel.WithFrameSink(sink))
	require.NoError(t, err)

	callerAddr, err := g.Bind(caller, network.AnyPort, network.ScopeLocal)
	require.NoError(t, err)
	calleeAddr, err := g.Bind(callee, network.AnyPort, network.ScopeLocal)
	require.NoError(t, err)

	formats := format.NewMap(format.PCMU, format.DTMF)
	for id, mode := range map[string]channel.ConnectionMode{caller: channel.ModeSendOnly, callee: channel.ModeRecvOnly} {
		require.NoError(t, g.SetFormats(id, formats))
		require.NoError(t, g.SetMode(id, mode))
		require.NoError(t, g.Activate(id))
	}
	require.NoError(t, g.SetRemotePeer(caller, calleeAddr))
	require.NoError(t, g.SetRemotePeer(callee, callerAddr))

	ch, err := g.Channel(caller)
	require.NoError(t, err)
	pcm := make([]int16, 160)
	for i := range pcm {
		pcm[i] = int16(i * 50)
	}
	require.NoError(t, ch.Send(pcm))

	received := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(frames)
	}
	g.pump(t, func() bool { return received() == 1 })

	mu.Lock()
	frame := frames[0]
	mu.Unlock()
	assert.Equal(t, "PCMU", frame.Format.Name)
	require.Len(t, frame.Samples, 160)
	assert.InDelta(t, pcm[100], frame.Samples[100], 200)

	callerStats, err := g.Statistics(caller)
	require.NoError(t, err)
	calleeStats, err := g.Statistics(callee)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), callerStats.PacketsTx)
	assert.Equal(t, uint64(1), calleeStats.PacketsRx)
	assert.Equal(t, uint64(160), calleeStats.BytesRx)
}

func TestTimeoutClosesChannel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channel.RTPTimeout = 50 * time.Millisecond
	g := newTestGateway(t, cfg)

	id, err := g.OpenChannel()
	require.NoError(t, err)
	require.NoError(t, g.Activate(id))

	g.clk.Advance(100 * time.Millisecond)
	g.sched.Tick()
	g.sched.RunPending()

	assert.Empty(t, g.Channels())
	assert.Equal(t, int32(1), g.obs.closed.Load())
}

func TestMultiplexerStopClosesChannel(t *testing.T) {
	g := newTestGateway(t, DefaultConfig())

	id, err := g.OpenChannel()
	require.NoError(t, err)
	_, err = g.Bind(id, network.AnyPort, network.ScopeLocal)
	require.NoError(t, err)
	require.NoError(t, g.Activate(id))
	ch, err := g.Channel(id)
	require.NoError(t, err)

	g.mux.Stop()

	assert.Equal(t, channel.StateDeactivated, ch.State())
	assert.Empty(t, g.Channels())
	assert.Equal(t, int32(1), g.obs.closed.Load())
}

func TestClosedHandleClosesChannel(t *testing.T) {
	g := newTestGateway(t, DefaultConfig())

	id, err := g.OpenChannel()
	require.NoError(t, err)
	_, err = g.Bind(id, network.AnyPort, network.ScopeLocal)
	require.NoError(t, err)
	require.NoError(t, g.Activate(id))
	ch, err := g.Channel(id)
	require.NoError(t, err)

	g.mu.Lock()
	h := g.conns[id].handle
	g.mu.Unlock()

	// Сокет закрывается в обход шлюза, уведомление приходит из задачи опроса
	g.mux.Close(h)
	g.pump(t, func() bool { return len(g.Channels()) == 0 })

	assert.Equal(t, channel.StateDeactivated, ch.State())
	assert.Equal(t, int32(1), g.obs.closed.Load())
}

func TestShutdownRejectsNewChannels(t *testing.T) {
	g := newTestGateway(t, DefaultConfig())

	for i := 0; i < 3; i++ {
		_, err := g.OpenChannel()
		require.NoError(t, err)
	}
	g.Shutdown()

	assert.Empty(t, g.Channels())
	assert.Equal(t, int32(3), g.obs.closed.Load())

	_, err := g.OpenChannel()
	assert.Equal(t, ErrorCodeClosed, CodeOf(err))
	assert.True(t, strings.Contains(err.Error(), "шлюз остановлен"))
}
