package network

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
	"github.com/tevino/abool"
	"golang.org/x/sys/unix"
)

// Состояния сокета
const (
	StateUnbound   = "unbound"
	StateBound     = "bound"
	StateConnected = "connected"
	StateClosed    = "closed"
)

// outbound датаграмма, ожидающая готовности сокета к записи
type outbound struct {
	data []byte
	to   unix.Sockaddr
}

// HandleStatistics счетчики сокета
type HandleStatistics struct {
	PacketsReceived uint64
	BytesReceived   uint64
	PacketsSent     uint64
	BytesSent       uint64
	ErrorsReceive   uint64
	ErrorsSend      uint64
	WritesDeferred  uint64 // Датаграмм, отправленных через очередь
	WritesDropped   uint64 // Датаграмм, отброшенных из-за переполнения очереди
}

// Handle неблокирующий UDP сокет, зарегистрированный в одном контексте опроса
// на все время жизни. Чтение выполняет только задача опроса этого контекста,
// запись допускается из любой задачи.
type Handle struct {
	id         uint64
	fd         int
	family     int
	attachment Attachment
	poller     *pollContext
	log        *logrus.Entry

	mu         sync.Mutex
	state      *fsm.FSM
	local      netip.AddrPort
	remote     netip.AddrPort
	pending    *deque.Deque[outbound]
	maxPending int

	writePending abool.AtomicBool
	finalized    abool.AtomicBool

	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	packetsSent     atomic.Uint64
	bytesSent       atomic.Uint64
	errorsReceive   atomic.Uint64
	errorsSend      atomic.Uint64
	writesDeferred  atomic.Uint64
	writesDropped   atomic.Uint64
}

func newHandle(id uint64, fd, family int, att Attachment, maxPending int, log *logrus.Entry) *Handle {
	h := &Handle{
		id:         id,
		fd:         fd,
		family:     family,
		attachment: att,
		pending:    deque.New[outbound](),
		maxPending: maxPending,
	}
	h.log = log.WithField("handle", id)

	h.state = fsm.NewFSM(
		StateUnbound,
		fsm.Events{
			{Name: "bind", Src: []string{StateUnbound}, Dst: StateBound},
			{Name: "connect", Src: []string{StateBound, StateConnected}, Dst: StateConnected},
			{Name: "close", Src: []string{StateUnbound, StateBound, StateConnected}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				h.log.WithFields(logrus.Fields{
					"from": e.Src,
					"to":   e.Dst,
				}).Debug("Изменение состояния сокета")
			},
		},
	)
	return h
}

// ID идентификатор сокета в мультиплексоре
func (h *Handle) ID() uint64 {
	return h.id
}

// State текущее состояние сокета
func (h *Handle) State() string {
	return h.state.Current()
}

// Closed проверяет, закрыт ли сокет
func (h *Handle) Closed() bool {
	return h.state.Is(StateClosed)
}

// Connected проверяет, зафиксирован ли удаленный адрес
func (h *Handle) Connected() bool {
	return h.state.Is(StateConnected)
}

// LocalAddr адрес, к которому привязан сокет
func (h *Handle) LocalAddr() netip.AddrPort {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.local
}

// RemoteAddr зафиксированный удаленный адрес
func (h *Handle) RemoteAddr() netip.AddrPort {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remote
}

// Attachment обработчик сокета
func (h *Handle) Attachment() Attachment {
	return h.attachment
}

// WritePending проверяет, есть ли отложенные датаграммы
func (h *Handle) WritePending() bool {
	return h.writePending.IsSet()
}

// bind привязывает сокет к адресу. Вызывается мультиплексором.
func (h *Handle) bind(addr netip.AddrPort) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.state.Can("bind") {
		return fmt.Errorf("привязка невозможна в состоянии %s", h.state.Current())
	}

	sa, err := toSockaddr(h.family, addr)
	if err != nil {
		return err
	}
	if err := unix.Bind(h.fd, sa); err != nil {
		return classifyError("bind", err)
	}

	local := addr
	if bound, err := unix.Getsockname(h.fd); err == nil {
		local = fromSockaddr(bound)
	}
	h.local = local

	return h.state.Event(context.Background(), "bind")
}

// Connect фиксирует удаленный адрес сокета. Повторный вызов меняет адрес
// (latching после подтверждения входящим пакетом).
func (h *Handle) Connect(addr netip.AddrPort) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.state.Can("connect") {
		return fmt.Errorf("соединение невозможно в состоянии %s", h.state.Current())
	}
	if h.remote == addr {
		return nil
	}

	sa, err := toSockaddr(h.family, addr)
	if err != nil {
		return err
	}
	if err := unix.Connect(h.fd, sa); err != nil {
		return classifyError("connect", err)
	}
	h.remote = addr

	err = h.state.Event(context.Background(), "connect")
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

// Close закрывает сокет. Дескриптор освобождается задачей опроса, которая
// затем уведомляет обработчик. Повторный вызов ничего не делает.
func (h *Handle) Close() {
	h.mu.Lock()
	if !h.state.Can("close") {
		h.mu.Unlock()
		return
	}
	_ = h.state.Event(context.Background(), "close")
	h.mu.Unlock()

	if h.poller != nil {
		h.poller.retire(h)
	}
}

// ReadFrom читает одну датаграмму. Возвращает ErrWouldBlock, если данных нет.
// Вызывается только из задачи опроса (обработчиком протокола).
func (h *Handle) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	if h.Closed() {
		return 0, netip.AddrPort{}, ErrHandleClosed
	}

	n, sa, err := unix.Recvfrom(h.fd, buf, 0)
	if err != nil {
		if isWouldBlock(err) {
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		h.errorsReceive.Add(1)
		return 0, netip.AddrPort{}, classifyError("recvfrom", err)
	}

	h.packetsReceived.Add(1)
	h.bytesReceived.Add(uint64(n))

	from := fromSockaddr(sa)
	if !from.IsValid() {
		from = h.RemoteAddr()
	}
	return n, from, nil
}

// Write отправляет датаграмму без блокировки. Пустой адрес означает
// зафиксированный удаленный адрес. Если ядро не принимает данные, датаграмма
// ставится в очередь и отправляется задачей опроса.
func (h *Handle) Write(data []byte, to netip.AddrPort) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Is(StateClosed) {
		return ErrHandleClosed
	}

	var sa unix.Sockaddr
	if to.IsValid() && to != h.remote {
		var err error
		if sa, err = toSockaddr(h.family, to); err != nil {
			return err
		}
	} else if !h.remote.IsValid() {
		return fmt.Errorf("не задан адрес получателя")
	}

	// Сохраняем порядок: пока очередь не пуста, новые данные идут за ней
	if h.pending.Len() > 0 {
		return h.enqueue(data, sa)
	}

	err := h.send(data, sa)
	if err == nil {
		return nil
	}
	if isWouldBlock(err) {
		return h.enqueue(data, sa)
	}
	h.errorsSend.Add(1)
	return classifyError("sendto", err)
}

// Flush отправляет отложенные датаграммы, пока ядро их принимает.
// Возвращает количество отправленных датаграмм.
func (h *Handle) Flush() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for h.pending.Len() > 0 {
		if h.state.Is(StateClosed) {
			return sent, ErrHandleClosed
		}

		item := h.pending.Front()
		err := h.send(item.data, item.to)
		if err != nil && isWouldBlock(err) {
			return sent, nil
		}
		h.pending.PopFront()
		if err != nil {
			h.errorsSend.Add(1)
			h.log.WithError(err).Debug("Ошибка отправки отложенной датаграммы")
			continue
		}
		sent++
	}

	if h.writePending.SetToIf(true, false) && h.poller != nil {
		h.poller.watchWrite(h, false)
	}
	return sent, nil
}

// Statistics возвращает счетчики сокета
func (h *Handle) Statistics() HandleStatistics {
	return HandleStatistics{
		PacketsReceived: h.packetsReceived.Load(),
		BytesReceived:   h.bytesReceived.Load(),
		PacketsSent:     h.packetsSent.Load(),
		BytesSent:       h.bytesSent.Load(),
		ErrorsReceive:   h.errorsReceive.Load(),
		ErrorsSend:      h.errorsSend.Load(),
		WritesDeferred:  h.writesDeferred.Load(),
		WritesDropped:   h.writesDropped.Load(),
	}
}

func (h *Handle) send(data []byte, sa unix.Sockaddr) error {
	var err error
	if sa == nil {
		_, err = unix.Write(h.fd, data)
	} else {
		err = unix.Sendto(h.fd, data, 0, sa)
	}
	if err == nil {
		h.packetsSent.Add(1)
		h.bytesSent.Add(uint64(len(data)))
	}
	return err
}

// enqueue вызывается под h.mu
func (h *Handle) enqueue(data []byte, sa unix.Sockaddr) error {
	if h.pending.Len() >= h.maxPending {
		h.writesDropped.Add(1)
		return ErrWriteQueueFull
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	h.pending.PushBack(outbound{data: buf, to: sa})
	h.writesDeferred.Add(1)

	if h.writePending.SetToIf(false, true) && h.poller != nil {
		h.poller.watchWrite(h, true)
	}
	return nil
}

// finalize закрывает дескриптор. Вызывается только задачей опроса или при остановке.
func (h *Handle) finalize() bool {
	if !h.finalized.SetToIf(false, true) {
		return false
	}

	h.mu.Lock()
	if !h.state.Is(StateClosed) {
		_ = h.state.Event(context.Background(), "close")
	}
	h.pending.Clear()
	h.writePending.UnSet()
	err := unix.Close(h.fd)
	h.mu.Unlock()

	if err != nil {
		h.log.WithError(err).Warn("Ошибка закрытия дескриптора")
	}
	return true
}
