//go:build linux

package network

import (
	"errors"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/media_gateway/pkg/clock"
	"github.com/arzzra/media_gateway/pkg/logger"
	"github.com/arzzra/media_gateway/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// recordingHandler запоминает полученные датаграммы
type recordingHandler struct {
	mu      sync.Mutex
	packets [][]byte
	sources []netip.AddrPort
	closed  int
}

func (r *recordingHandler) Dispatch(data []byte, from netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, data)
	r.sources = append(r.sources, from)
}

func (r *recordingHandler) OnClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
}

func (r *recordingHandler) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.packets...)
}

func (r *recordingHandler) closedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// echoProtocol обработчик протокола, отвечающий отправителю
type echoProtocol struct {
	mu     sync.Mutex
	echoed int
	closed bool
}

func (e *echoProtocol) Receive(h *Handle) {
	buf := make([]byte, 1500)
	n, from, err := h.ReadFrom(buf)
	if err != nil {
		return
	}
	if err := h.Write(buf[:n], from); err == nil {
		e.mu.Lock()
		e.echoed++
		e.mu.Unlock()
	}
}

func (e *echoProtocol) Send(h *Handle) {
	_, _ = h.Flush()
}

func (e *echoProtocol) OnClosed(h *Handle) {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// bindObserver считает привязки и повторные попытки
type bindObserver struct {
	mu      sync.Mutex
	retries int
	bound   []Scope
}

func (o *bindObserver) HandleOpened() {}
func (o *bindObserver) HandleClosed() {}
func (o *bindObserver) IOError(string) {}

func (o *bindObserver) PortBound(scope Scope) {
	o.mu.Lock()
	o.bound = append(o.bound, scope)
	o.mu.Unlock()
}

func (o *bindObserver) BindRetried() {
	o.mu.Lock()
	o.retries++
	o.mu.Unlock()
}

type testMux struct {
	sched *scheduler.Scheduler
	mux   *Multiplexer
}

func newTestMux(t *testing.T, lowest, highest, selectors int, opts ...Option) *testMux {
	t.Helper()

	sched, err := scheduler.New(scheduler.Config{Workers: 1, Tick: time.Millisecond},
		clock.NewManual(0), scheduler.WithLogger(logger.Discard()))
	require.NoError(t, err)

	ports, err := NewPortManager(lowest, highest)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Selectors = selectors
	cfg.Socket.DSCP = 0

	mux, err := New(cfg, sched, ports, append([]Option{WithLogger(logger.Discard())}, opts...)...)
	require.NoError(t, err)
	mux.Start()
	t.Cleanup(mux.Stop)

	return &testMux{sched: sched, mux: mux}
}

// pump выполняет такты планировщика, пока условие не выполнится
func (tm *testMux) pump(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		tm.sched.Tick()
		tm.sched.RunPending()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("условие не выполнено за отведенное число тактов")
}

func randomRange() (int, int) {
	low := 30000 + 2*rand.Intn(10000)
	return low, low + 200
}

func TestMultiplexerLoopback(t *testing.T) {
	low, high := randomRange()
	tm := newTestMux(t, low, high, 2)

	rxA, rxB := &recordingHandler{}, &recordingHandler{}
	a, err := tm.mux.Open(MultiplexerAttachment(rxA))
	require.NoError(t, err)
	b, err := tm.mux.Open(MultiplexerAttachment(rxB))
	require.NoError(t, err)

	assert.Equal(t, StateUnbound, a.State())
	assert.Equal(t, []int{1, 1}, tm.mux.SelectorLoad(), "сокеты распределяются по кругу")

	addrA, err := tm.mux.Bind(a, AnyPort, ScopeLocal)
	require.NoError(t, err)
	addrB, err := tm.mux.Bind(b, AnyPort, ScopeLocal)
	require.NoError(t, err)

	assert.Equal(t, StateBound, a.State())
	assert.Zero(t, addrA.Port()%2, "порт должен быть четным")
	assert.Zero(t, addrB.Port()%2, "порт должен быть четным")

	t.Run("Порядок датаграмм сохраняется", func(t *testing.T) {
		for i := byte(0); i < 5; i++ {
			require.NoError(t, a.Write([]byte{0x80, i}, addrB))
		}
		tm.pump(t, func() bool { return len(rxB.received()) == 5 })

		for i, p := range rxB.received() {
			assert.Equal(t, []byte{0x80, byte(i)}, p)
		}
		assert.Equal(t, addrA, rxB.sources[0])
	})

	t.Run("Соединенный сокет отправляет по зафиксированному адресу", func(t *testing.T) {
		require.NoError(t, b.Connect(addrA))
		assert.True(t, b.Connected())
		assert.Equal(t, addrA, b.RemoteAddr())

		require.NoError(t, b.Write([]byte("pong"), netip.AddrPort{}))
		tm.pump(t, func() bool { return len(rxA.received()) == 1 })
		assert.Equal(t, []byte("pong"), rxA.received()[0])

		// Повторное соединение с тем же адресом допустимо
		require.NoError(t, b.Connect(addrA))
	})

	t.Run("Закрытие уведомляет обработчик", func(t *testing.T) {
		tm.mux.Close(b)
		assert.True(t, b.Closed())
		assert.ErrorIs(t, b.Write([]byte("x"), addrA), ErrHandleClosed)

		tm.pump(t, func() bool { return rxB.closedCount() == 1 })
		assert.Equal(t, 1, tm.mux.Handles())

		// Повторное закрытие ничего не делает
		b.Close()
		tm.sched.Tick()
		tm.sched.RunPending()
		assert.Equal(t, 1, rxB.closedCount())
	})

	stats := a.Statistics()
	assert.Equal(t, uint64(5), stats.PacketsSent)
	assert.Equal(t, uint64(1), stats.PacketsReceived)
}

func TestMultiplexerProtocolHandler(t *testing.T) {
	low, high := randomRange()
	tm := newTestMux(t, low, high, 1)

	echo := &echoProtocol{}
	server, err := tm.mux.Open(ProtocolAttachment(echo))
	require.NoError(t, err)
	serverAddr, err := tm.mux.Bind(server, AnyPort, ScopeLocal)
	require.NoError(t, err)

	rx := &recordingHandler{}
	client, err := tm.mux.Open(MultiplexerAttachment(rx))
	require.NoError(t, err)
	_, err = tm.mux.Bind(client, AnyPort, ScopeExternal)
	require.NoError(t, err)

	require.NoError(t, client.Write([]byte("ping"), serverAddr))
	tm.pump(t, func() bool { return len(rx.received()) == 1 })
	assert.Equal(t, []byte("ping"), rx.received()[0])

	tm.mux.Close(server)
	tm.pump(t, func() bool {
		echo.mu.Lock()
		defer echo.mu.Unlock()
		return echo.closed
	})
}

func TestBindRetriesExhausted(t *testing.T) {
	low, _ := randomRange()
	tm := newTestMux(t, low, low, 1)

	first, err := tm.mux.Open(MultiplexerAttachment(&recordingHandler{}))
	require.NoError(t, err)
	if _, err := tm.mux.Bind(first, AnyPort, ScopeLocal); err != nil {
		t.Skipf("порт %d занят другим процессом: %v", low, err)
	}

	second, err := tm.mux.Open(MultiplexerAttachment(&recordingHandler{}))
	require.NoError(t, err)

	_, err = tm.mux.Bind(second, AnyPort, ScopeLocal)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortRangeExhausted)
	assert.Equal(t, StateUnbound, second.State())

	// Явно заданный занятый порт возвращает ошибку адреса
	_, err = tm.mux.Bind(second, low, ScopeLocal)
	require.Error(t, err)
	var classified *ClassifiedError
	require.True(t, errors.As(err, &classified))
	assert.Equal(t, ErrorTypeAddress, classified.Type)
}

func TestBindSkipsBusyPort(t *testing.T) {
	low, high := randomRange()
	obs := &bindObserver{}
	tm := newTestMux(t, low, high, 1, WithObserver(obs))

	// Первый кандидат занят сокетом вне мультиплексора
	busy := tm.mux.Ports().Peek()
	foreign, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: busy})
	if err != nil {
		t.Skipf("порт %d занят другим процессом: %v", busy, err)
	}
	defer foreign.Close()

	h, err := tm.mux.Open(MultiplexerAttachment(&recordingHandler{}))
	require.NoError(t, err)

	addr, err := tm.mux.Bind(h, AnyPort, ScopeLocal)
	require.NoError(t, err)
	assert.Equal(t, busy+2, int(addr.Port()))
	assert.Equal(t, StateBound, h.State())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.retries)
	assert.Equal(t, []Scope{ScopeLocal}, obs.bound)
}

func TestOpenRejectsInvalidAttachment(t *testing.T) {
	low, high := randomRange()
	tm := newTestMux(t, low, high, 1)

	_, err := tm.mux.Open(Attachment{Kind: KindMultiplexer})
	assert.ErrorIs(t, err, ErrInvalidAttachment)
}

func TestWriteWithoutDestination(t *testing.T) {
	low, high := randomRange()
	tm := newTestMux(t, low, high, 1)

	h, err := tm.mux.Open(MultiplexerAttachment(&recordingHandler{}))
	require.NoError(t, err)
	assert.Error(t, h.Write([]byte("x"), netip.AddrPort{}))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		typ       NetworkErrorType
		retryable bool
	}{
		{"Порт занят", unix.EADDRINUSE, ErrorTypeAddress, true},
		{"Временная ошибка", unix.EAGAIN, ErrorTypeTemporary, true},
		{"ICMP unreachable", unix.ECONNREFUSED, ErrorTypeConnection, true},
		{"Нет дескрипторов", unix.EMFILE, ErrorTypeResource, false},
		{"Нет прав", unix.EACCES, ErrorTypePermanent, false},
		{"Неизвестная ошибка", errors.New("что-то пошло не так"), ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyError("op", tt.err)
			var classified *ClassifiedError
			require.True(t, errors.As(err, &classified))
			assert.Equal(t, tt.typ, classified.Type)
			assert.Equal(t, tt.retryable, classified.Retryable)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, classifyError("op", nil))
}

func TestAttachmentVariant(t *testing.T) {
	assert.False(t, Attachment{}.valid())
	assert.False(t, Attachment{Kind: KindMultiplexer}.valid())
	assert.False(t, Attachment{Kind: KindProtocolHandler, Datagram: &recordingHandler{}}.valid())
	assert.True(t, MultiplexerAttachment(&recordingHandler{}).valid())
	assert.Equal(t, "multiplexer", KindMultiplexer.String())
	assert.Equal(t, "protocol-handler", KindProtocolHandler.String())
}
