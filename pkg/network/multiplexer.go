// Package network связывает готовность UDP сокетов ОС с планировщиком.
//
// Мультиплексор владеет одним или несколькими контекстами готовности
// (epoll в Linux, poll(2) в BSD системах). Каждый контекст обслуживается
// одной повторяющейся задачей опроса в классе scheduler.ClassIO. Сокет
// регистрируется в контексте, выбранном по кругу, и остается в нем до закрытия.
//
// За одну итерацию опроса из каждого готового сокета читается ровно одна
// датаграмма, поэтому порядок пакетов одного канала сохраняется.
package network

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/arzzra/media_gateway/pkg/scheduler"
	"github.com/sirupsen/logrus"
	"github.com/tevino/abool"
	"golang.org/x/sys/unix"
)

// Config конфигурация мультиплексора
type Config struct {
	LocalAddress     netip.Addr // Адрес внутренней сети
	ExternalAddress  netip.Addr // Внешний адрес (по умолчанию LocalAddress)
	Selectors        int        // Количество контекстов готовности
	BindAttempts     int        // Попыток привязки к порту из диапазона
	ReadBufferSize   int        // Максимальный размер датаграммы
	MaxPendingWrites int        // Размер очереди отложенной отправки на сокет
	Socket           SocketOptions
	Policy           PeerPolicy
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		LocalAddress:     netip.MustParseAddr("127.0.0.1"),
		Selectors:        1,
		BindAttempts:     5,
		ReadBufferSize:   2048,
		MaxPendingWrites: 64,
		Socket: SocketOptions{
			BufferSize: DefaultBufferSize,
			DSCP:       DSCPExpeditedForwarding,
		},
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if !c.LocalAddress.IsValid() {
		return fmt.Errorf("локальный адрес обязателен")
	}
	if c.ExternalAddress.IsValid() && socketFamily(c.ExternalAddress) != socketFamily(c.LocalAddress) {
		return fmt.Errorf("внешний адрес %s и локальный адрес %s разных семейств", c.ExternalAddress, c.LocalAddress)
	}
	if c.Selectors <= 0 {
		return fmt.Errorf("количество селекторов должно быть положительным: %d", c.Selectors)
	}
	if c.BindAttempts <= 0 {
		return fmt.Errorf("количество попыток привязки должно быть положительным: %d", c.BindAttempts)
	}
	if c.ReadBufferSize < 12 {
		return fmt.Errorf("размер буфера чтения слишком мал: %d", c.ReadBufferSize)
	}
	if c.MaxPendingWrites <= 0 {
		return fmt.Errorf("размер очереди отправки должен быть положительным: %d", c.MaxPendingWrites)
	}
	return c.Socket.Validate()
}

// Observer получает уведомления о событиях сокетов (метрики)
type Observer interface {
	HandleOpened()
	HandleClosed()
	PortBound(scope Scope)
	BindRetried()
	IOError(op string)
}

// Multiplexer сетевой мультиплексор
type Multiplexer struct {
	config Config
	sched  *scheduler.Scheduler
	ports  *PortManager
	log    *logrus.Entry
	obs    Observer

	mu       sync.RWMutex
	contexts []*pollContext
	handles  map[uint64]*Handle
	nextCtx  atomic.Uint32
	nextID   atomic.Uint64

	started abool.AtomicBool
}

// Option дополнительная настройка мультиплексора
type Option func(*Multiplexer)

// WithLogger задает logger мультиплексора
func WithLogger(entry *logrus.Entry) Option {
	return func(m *Multiplexer) {
		m.log = entry
	}
}

// WithObserver задает получателя уведомлений
func WithObserver(o Observer) Option {
	return func(m *Multiplexer) {
		m.obs = o
	}
}

// New создает мультиплексор с config.Selectors контекстами готовности.
// Задачи опроса ставятся в планировщик методом Start.
func New(config Config, sched *scheduler.Scheduler, ports *PortManager, opts ...Option) (*Multiplexer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация мультиплексора: %w", err)
	}
	if sched == nil || ports == nil {
		return nil, fmt.Errorf("планировщик и менеджер портов обязательны")
	}
	if !config.ExternalAddress.IsValid() {
		config.ExternalAddress = config.LocalAddress
	}

	m := &Multiplexer{
		config:  config,
		sched:   sched,
		ports:   ports,
		log:     logrus.WithField("component", "network"),
		handles: make(map[uint64]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}

	for i := 0; i < config.Selectors; i++ {
		if err := m.AddSelector(); err != nil {
			m.closeContexts()
			return nil, err
		}
	}
	return m, nil
}

// AddSelector добавляет контекст готовности. Если мультиплексор запущен,
// задача опроса нового контекста сразу ставится в планировщик.
func (m *Multiplexer) AddSelector() error {
	sel, err := newSelector()
	if err != nil {
		return fmt.Errorf("не удалось создать селектор: %w", err)
	}

	m.mu.Lock()
	pc := newPollContext(len(m.contexts), sel, m.config.ReadBufferSize, m.obs, m.log, m.forget)
	m.contexts = append(m.contexts, pc)
	m.mu.Unlock()

	if m.started.IsSet() {
		m.sched.Submit(pc.task, scheduler.ClassIO)
	}
	return nil
}

// Start ставит задачи опроса в очередь ввода-вывода планировщика
func (m *Multiplexer) Start() {
	if !m.started.SetToIf(false, true) {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pc := range m.contexts {
		m.sched.Submit(pc.task, scheduler.ClassIO)
	}
	m.log.WithField("selectors", len(m.contexts)).Info("Сетевой мультиплексор запущен")
}

// Stop закрывает все сокеты и селекторы
func (m *Multiplexer) Stop() {
	m.started.UnSet()
	m.closeContexts()
	m.log.Info("Сетевой мультиплексор остановлен")
}

// Config возвращает конфигурацию мультиплексора
func (m *Multiplexer) Config() Config {
	return m.config
}

// Ports возвращает менеджер портов
func (m *Multiplexer) Ports() *PortManager {
	return m.ports
}

// Policy возвращает политику доверия удаленным адресам
func (m *Multiplexer) Policy() PeerPolicy {
	return m.config.Policy
}

// Handles количество открытых сокетов
func (m *Multiplexer) Handles() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handles)
}

// SelectorLoad количество сокетов в каждом контексте готовности
func (m *Multiplexer) SelectorLoad() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	load := make([]int, len(m.contexts))
	for i, pc := range m.contexts {
		load[i] = pc.size()
	}
	return load
}

// Open создает непривязанный неблокирующий UDP сокет, регистрирует его в
// контексте готовности, выбранном по кругу, и подключает обработчик.
func (m *Multiplexer) Open(att Attachment) (*Handle, error) {
	if !att.valid() {
		return nil, ErrInvalidAttachment
	}

	family := socketFamily(m.config.LocalAddress)
	fd, err := unix.Socket(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, classifyError("socket", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, classifyError("set nonblock", err)
	}
	if err := applySocketOptions(fd, family, m.config.Socket); err != nil {
		unix.Close(fd)
		return nil, err
	}

	h := newHandle(m.nextID.Add(1), fd, family, att, m.config.MaxPendingWrites, m.log)

	pc := m.pickContext()
	if pc == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("мультиплексор остановлен")
	}
	if err := pc.register(h); err != nil {
		unix.Close(fd)
		return nil, err
	}

	m.mu.Lock()
	m.handles[h.id] = h
	m.mu.Unlock()

	if m.obs != nil {
		m.obs.HandleOpened()
	}
	h.log.WithFields(logrus.Fields{
		"selector":   pc.id,
		"attachment": att.Kind.String(),
	}).Debug("Сокет открыт")
	return h, nil
}

// Bind привязывает сокет к порту на локальном или внешнем адресе. Для AnyPort
// порт берется из менеджера портов; занятый порт заменяется следующим, пока
// не исчерпано BindAttempts попыток.
func (m *Multiplexer) Bind(h *Handle, port int, scope Scope) (netip.AddrPort, error) {
	addr := m.config.LocalAddress
	if scope == ScopeExternal {
		addr = m.config.ExternalAddress
	}

	if port != AnyPort {
		if port < 0 || port > 65535 {
			return netip.AddrPort{}, fmt.Errorf("некорректный порт: %d", port)
		}
		if err := h.bind(netip.AddrPortFrom(addr, uint16(port))); err != nil {
			return netip.AddrPort{}, fmt.Errorf("не удалось привязать сокет к порту %d: %w", port, err)
		}
		m.bound(h, scope)
		return h.LocalAddr(), nil
	}

	var lastErr error
	for attempt := 0; attempt < m.config.BindAttempts; attempt++ {
		candidate := m.ports.Next()
		err := h.bind(netip.AddrPortFrom(addr, uint16(candidate)))
		if err == nil {
			m.bound(h, scope)
			return h.LocalAddr(), nil
		}
		if !errors.Is(err, unix.EADDRINUSE) {
			return netip.AddrPort{}, fmt.Errorf("не удалось привязать сокет к порту %d: %w", candidate, err)
		}

		lastErr = err
		if m.obs != nil {
			m.obs.BindRetried()
		}
		m.log.WithField("port", candidate).Debug("Порт занят, пробуем следующий")
	}

	return netip.AddrPort{}, fmt.Errorf("%w: %d попыток, последняя ошибка: %v",
		ErrPortRangeExhausted, m.config.BindAttempts, lastErr)
}

// Close закрывает сокет и удаляет его из таблицы мультиплексора
func (m *Multiplexer) Close(h *Handle) {
	m.forget(h)
	h.Close()
}

func (m *Multiplexer) forget(h *Handle) {
	m.mu.Lock()
	delete(m.handles, h.id)
	m.mu.Unlock()
}

func (m *Multiplexer) bound(h *Handle, scope Scope) {
	if m.obs != nil {
		m.obs.PortBound(scope)
	}
	h.log.WithFields(logrus.Fields{
		"addr":  h.LocalAddr().String(),
		"scope": scope.String(),
	}).Debug("Сокет привязан")
}

func (m *Multiplexer) pickContext() *pollContext {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.contexts) == 0 {
		return nil
	}
	idx := (m.nextCtx.Add(1) - 1) % uint32(len(m.contexts))
	return m.contexts[idx]
}

func (m *Multiplexer) closeContexts() {
	m.mu.Lock()
	contexts := m.contexts
	handles := m.handles
	m.contexts = nil
	m.handles = make(map[uint64]*Handle)
	m.mu.Unlock()

	byContext := make(map[*pollContext][]*Handle)
	for _, h := range handles {
		byContext[h.poller] = append(byContext[h.poller], h)
	}
	for _, pc := range contexts {
		pc.shutdown(byContext[pc])
	}
}
