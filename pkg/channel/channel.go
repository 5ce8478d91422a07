// Package channel реализует RTP канал медиа шлюза: конечный автомат
// состояний, прием пакетов, jitter buffer, путь DTMF, исходящий поток и
// контроль неактивности.
//
// Переходы вычисляет чистая функция Transition, Channel выполняет
// полученные действия. Channel владеет своим jitter buffer. Сетевой
// мультиплексор ссылается на канал только через демультиплексор,
// подключенный к сокету.
package channel

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/media_gateway/pkg/demux"
	"github.com/arzzra/media_gateway/pkg/dtmf"
	"github.com/arzzra/media_gateway/pkg/format"
	"github.com/arzzra/media_gateway/pkg/icelite"
	"github.com/arzzra/media_gateway/pkg/jitter"
	"github.com/arzzra/media_gateway/pkg/network"
	"github.com/arzzra/media_gateway/pkg/packet"
	"github.com/arzzra/media_gateway/pkg/scheduler"
	"github.com/arzzra/media_gateway/pkg/secure"
	"github.com/sirupsen/logrus"
)

// Ошибки исходящего потока
var (
	ErrNotActive   = errors.New("канал не активирован")
	ErrNotSendable = errors.New("режим соединения не допускает отправку")
	ErrNoFormat    = errors.New("нет согласованного формата для отправки")
	ErrNoRemote    = errors.New("удаленный адрес не подтвержден")
	ErrNoSocket    = errors.New("сокет не подключен")
)

// DefaultDTMFQueue максимальная длина очереди DTMF пакетов
const DefaultDTMFQueue = 64

// Config параметры канала
type Config struct {
	Jitter jitter.Config
	// UseJitter false включает режим ретрансляции без буферизации
	UseJitter bool
	// RTPTimeout время неактивности, после которого канал сообщает о таймауте.
	// 0 отключает контроль.
	RTPTimeout time.Duration
	DTMFQueue  int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Jitter:    jitter.DefaultConfig(),
		UseJitter: true,
		DTMFQueue: DefaultDTMFQueue,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if err := c.Jitter.Validate(); err != nil {
		return err
	}
	if c.RTPTimeout < 0 {
		return fmt.Errorf("таймаут RTP не может быть отрицательным: %v", c.RTPTimeout)
	}
	if c.DTMFQueue < 0 {
		return fmt.Errorf("длина очереди DTMF не может быть отрицательной: %d", c.DTMFQueue)
	}
	return nil
}

// JitterBuffer буфер, в который канал пишет аудио пакеты
type JitterBuffer interface {
	Write(p *packet.Packet, f format.Format)
	Drain(now time.Duration) []*jitter.Entry
	Restart()
	SetInUse(inUse bool)
	Statistics() jitter.Statistics
}

// Socket сокет канала. *network.Handle удовлетворяет интерфейсу.
type Socket interface {
	Write(data []byte, to netip.AddrPort) error
	Connect(addr netip.AddrPort) error
	LocalAddr() netip.AddrPort
}

// Frame декодированный кадр входящего потока
type Frame struct {
	Format    format.Format
	Samples   []int16 // nil, если для формата нет кодека
	Payload   []byte
	Timestamp uint32
	Sequence  uint16
}

// FrameSink получатель декодированных кадров (микшер, запись)
type FrameSink interface {
	OnFrame(f Frame)
}

// FrameSinkFunc адаптер функции к FrameSink
type FrameSinkFunc func(f Frame)

func (fn FrameSinkFunc) OnFrame(f Frame) {
	fn(f)
}

// Observer получает уведомления канала (метрики)
type Observer interface {
	PacketDropped(reason DropReason)
	TimedOut()
}

// Channel RTP канал
type Channel struct {
	id     string
	config Config
	sched  *scheduler.Scheduler
	log    *logrus.Entry
	obs    Observer

	demux     *demux.Demultiplexer
	demuxObs  demux.Observer
	jitterObs jitter.Observer
	jitter    JitterBuffer
	dtmf      DTMFPath
	detector  *dtmf.Detector
	codecs    *format.Registry
	frames    FrameSink
	stun      *icelite.Responder
	onTimeout func(id string)
	onClosed  func(id string)
	policy    network.PeerPolicy

	mu      sync.Mutex
	state   State
	mode    ConnectionMode
	formats format.Map

	input     *pipeline
	dtmfTask  *pipeline
	heartbeat *pipeline

	peerMu    sync.RWMutex
	socket    Socket
	remote    netip.AddrPort
	pending   bool
	transform secure.Transform

	out outbound

	lastArrival atomic.Int64
	timedOut    atomic.Bool
	stats       counters
}

// Option дополнительная настройка канала
type Option func(*Channel)

// WithLogger задает logger
func WithLogger(entry *logrus.Entry) Option {
	return func(c *Channel) {
		c.log = entry
	}
}

// WithObserver задает получателя уведомлений
func WithObserver(o Observer) Option {
	return func(c *Channel) {
		c.obs = o
	}
}

// WithJitterBuffer подменяет jitter buffer канала
func WithJitterBuffer(jb JitterBuffer) Option {
	return func(c *Channel) {
		c.jitter = jb
	}
}

// WithDTMFPath подменяет путь DTMF пакетов
func WithDTMFPath(p DTMFPath) Option {
	return func(c *Channel) {
		c.dtmf = p
	}
}

// WithDTMFListener задает получателя цифр DTMF
func WithDTMFListener(l dtmf.Listener) Option {
	return func(c *Channel) {
		c.detector.SetListener(l)
	}
}

// WithCodecs задает реестр кодеков
func WithCodecs(r *format.Registry) Option {
	return func(c *Channel) {
		c.codecs = r
	}
}

// WithFrameSink задает получателя декодированных кадров
func WithFrameSink(s FrameSink) Option {
	return func(c *Channel) {
		c.frames = s
	}
}

// WithSTUN подключает ответчик STUN к сокету канала
func WithSTUN(r *icelite.Responder) Option {
	return func(c *Channel) {
		c.stun = r
	}
}

// WithTimeoutListener задает функцию, вызываемую при истечении RTPTimeout
func WithTimeoutListener(fn func(id string)) Option {
	return func(c *Channel) {
		c.onTimeout = fn
	}
}

// WithSocketClosedListener задает функцию, вызываемую после закрытия сокета
// канала мультиплексором
func WithSocketClosedListener(fn func(id string)) Option {
	return func(c *Channel) {
		c.onClosed = fn
	}
}

// WithPeerPolicy задает политику доверия удаленному адресу
func WithPeerPolicy(p network.PeerPolicy) Option {
	return func(c *Channel) {
		c.policy = p
	}
}

// WithDemuxObserver задает получателя уведомлений демультиплексора
func WithDemuxObserver(o demux.Observer) Option {
	return func(c *Channel) {
		c.demuxObs = o
	}
}

// WithJitterObserver задает получателя уведомлений jitter buffer
func WithJitterObserver(o jitter.Observer) Option {
	return func(c *Channel) {
		c.jitterObs = o
	}
}

// New создает канал в состоянии Idle с режимом Inactive
func New(id string, config Config, sched *scheduler.Scheduler, opts ...Option) (*Channel, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация канала: %w", err)
	}
	if sched == nil {
		return nil, errors.New("не задан планировщик")
	}

	c := &Channel{
		id:       id,
		config:   config,
		sched:    sched,
		log:      logrus.WithFields(logrus.Fields{"component": "channel", "channel_id": id}),
		detector: dtmf.NewDetector(nil),
		codecs:   format.DefaultRegistry(),
		state:    StateIdle,
		mode:     ModeInactive,
		formats:  format.Map{},
	}
	for _, opt := range opts {
		opt(c)
	}

	demuxOpts := []demux.Option{demux.WithLogger(c.log)}
	if c.demuxObs != nil {
		demuxOpts = append(demuxOpts, demux.WithObserver(c.demuxObs))
	}
	c.demux = demux.New(sched.Clock(), demuxOpts...)
	if c.jitter == nil {
		jitterOpts := []jitter.Option{
			jitter.WithLogger(c.log),
			jitter.WithSink(jitter.SinkFunc(c.deliver)),
		}
		if c.jitterObs != nil {
			jitterOpts = append(jitterOpts, jitter.WithObserver(c.jitterObs))
		}
		jb, err := jitter.New(config.Jitter, jitterOpts...)
		if err != nil {
			return nil, err
		}
		c.jitter = jb
	}
	if !config.UseJitter {
		c.jitter.SetInUse(false)
	}
	if c.dtmf == nil {
		c.dtmf = newDTMFInput(c.detector, config.DTMFQueue, c.log)
	}

	c.demux.Handle(packet.KindRTP, demux.HandlerFunc(c.Receive))
	c.demux.Handle(packet.KindRTCP, demux.HandlerFunc(c.ReceiveRTCP))
	c.demux.OnClose(c.socketClosed)
	if c.stun != nil {
		c.demux.Handle(packet.KindSTUN, c.stun)
	}

	c.input = newPipeline("input:"+id, scheduler.ClassInput, c.drainJitter)
	c.dtmfTask = newPipeline("dtmf:"+id, scheduler.ClassDTMF, c.drainDTMF)
	c.heartbeat = newPipeline("heartbeat:"+id, scheduler.ClassHeartbeat, c.checkTimeout)
	c.out.init()

	return c, nil
}

// ID идентификатор канала
func (c *Channel) ID() string {
	return c.id
}

// Demultiplexer возвращает демультиплексор, подключаемый к сокету канала
func (c *Channel) Demultiplexer() *demux.Demultiplexer {
	return c.demux
}

// Attachment возвращает вариант подключения канала к мультиплексору
func (c *Channel) Attachment() network.Attachment {
	return network.MultiplexerAttachment(c.demux)
}

// Attach подключает сокет канала
func (c *Channel) Attach(s Socket) {
	c.peerMu.Lock()
	c.socket = s
	c.peerMu.Unlock()

	if c.stun != nil {
		c.stun.Attach(s)
	}
}

// State текущее состояние
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode текущий режим соединения
func (c *Channel) Mode() ConnectionMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Formats согласованные форматы
func (c *Channel) Formats() format.Map {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.formats.Clone()
}

// Started сообщает, что входные конвейеры (jitter buffer и DTMF) запущены
func (c *Channel) Started() bool {
	return c.input.running() && c.dtmfTask.running()
}

// SetMode меняет режим соединения
func (c *Channel) SetMode(m ConnectionMode) {
	c.fire(ModeChanged(m))
}

// SetFormats меняет согласованные форматы
func (c *Channel) SetFormats(f format.Map) {
	c.fire(FormatChanged(f.Clone()))
}

// Activate активирует канал и запускает входные конвейеры
func (c *Channel) Activate() {
	c.fire(Activate())
}

// Deactivate переводит канал в конечное состояние. К моменту возврата канал
// больше не принимает пакеты.
func (c *Channel) Deactivate() {
	c.fire(Deactivate())
}

// Receive обрабатывает принятый RTP пакет
func (c *Channel) Receive(p *packet.Packet) {
	c.fire(PacketReceived(p))
}

// SetJitterInUse включает или выключает буферизацию входящего потока
func (c *Channel) SetJitterInUse(inUse bool) {
	c.jitter.SetInUse(inUse)
}

// SetTransform задает преобразование SRTP. nil отключает шифрование.
func (c *Channel) SetTransform(t secure.Transform) {
	c.peerMu.Lock()
	c.transform = t
	c.peerMu.Unlock()
	c.demux.SetTransform(t)
}

// SetRemotePeer задает удаленный адрес из сигнализации. Если политика не
// позволяет доверять адресу сразу, канал ждет первого входящего пакета и
// использует его адрес отправителя.
func (c *Channel) SetRemotePeer(addr netip.AddrPort) error {
	if !addr.IsValid() {
		return fmt.Errorf("неверный удаленный адрес: %s", addr)
	}

	c.peerMu.Lock()
	defer c.peerMu.Unlock()

	c.remote = addr
	if !c.policy.TrustImmediately(addr) {
		c.pending = true
		c.log.WithField("remote", addr.String()).Debug("Удаленный адрес ожидает подтверждения")
		return nil
	}

	c.pending = false
	if c.socket != nil {
		if err := c.socket.Connect(addr); err != nil {
			return fmt.Errorf("ошибка соединения с %s: %w", addr, err)
		}
	}
	return nil
}

// RemotePeer текущий удаленный адрес и признак его подтверждения
func (c *Channel) RemotePeer() (netip.AddrPort, bool) {
	c.peerMu.RLock()
	defer c.peerMu.RUnlock()
	return c.remote, c.remote.IsValid() && !c.pending
}

// Close деактивирует канал и останавливает все его задачи
func (c *Channel) Close() {
	c.Deactivate()
	c.heartbeat.stop()
}

// socketClosed отключает закрытый сокет и закрывает канал. Сокет, который не
// был подключен методом Attach (например, после неудачной привязки), не
// влияет на канал.
func (c *Channel) socketClosed() {
	c.peerMu.Lock()
	attached := c.socket != nil
	c.socket = nil
	c.peerMu.Unlock()
	if !attached {
		return
	}

	c.log.Info("Сокет канала закрыт")
	c.Close()
	if c.onClosed != nil {
		c.onClosed(c.id)
	}
}

// fire выполняет переход и его действия. Изменения режима и форматов
// применяются под блокировкой, остальные действия после ее снятия.
func (c *Channel) fire(ev Event) {
	c.mu.Lock()
	res := Transition(c.state, ev, Context{Mode: c.mode, Formats: c.formats})
	if res.State != c.state {
		c.log.WithFields(logrus.Fields{
			"from":  c.state.String(),
			"to":    res.State.String(),
			"event": ev.Kind.String(),
		}).Info("Смена состояния канала")
	}
	c.state = res.State

	effects := res.Effects[:0:0]
	for _, eff := range res.Effects {
		switch eff.Kind {
		case EffectUpdateMode:
			c.mode = eff.Mode
		case EffectUpdateFormats:
			c.formats = eff.Formats
		default:
			effects = append(effects, eff)
		}
	}
	c.mu.Unlock()

	for _, eff := range effects {
		c.execute(eff)
	}
}

func (c *Channel) execute(eff Effect) {
	switch eff.Kind {
	case EffectStartPipelines:
		c.lastArrival.Store(int64(c.sched.Clock().Now()))
		c.input.start(c.sched)
		c.dtmfTask.start(c.sched)
		if c.config.RTPTimeout > 0 {
			c.heartbeat.start(c.sched)
		}
	case EffectStopPipelines:
		c.input.stop()
		c.dtmfTask.stop()
		c.heartbeat.stop()
	case EffectResetDTMF:
		c.dtmf.Reset()
	case EffectRestartJitter:
		c.jitter.Restart()
	case EffectRecordArrival:
		c.recordArrival(eff.Packet)
	case EffectWriteJitter:
		if !c.activated() {
			return
		}
		c.jitter.Write(eff.Packet, eff.Format)
		// Deactivate мог очистить буфер до записи
		if !c.activated() {
			c.jitter.Restart()
		}
	case EffectWriteDTMF:
		if !c.activated() {
			return
		}
		c.dtmf.Write(eff.Packet, eff.Format)
		if !c.activated() {
			c.dtmf.Reset()
		}
	case EffectEcho:
		if c.activated() {
			c.echo(eff.Packet)
		}
	case EffectDrop:
		c.drop(eff.Packet, eff.Reason)
	}
}

// activated проверяет состояние для действий с пакетами, выполняемых после
// снятия блокировки. Из Deactivated возврата нет.
func (c *Channel) activated() bool {
	return c.State() == StateActivated
}

func (c *Channel) recordArrival(p *packet.Packet) {
	c.stats.packetsRx.Add(1)
	c.stats.bytesRx.Add(uint64(len(p.Payload)))
	c.lastArrival.Store(int64(p.Arrival))

	c.peerMu.Lock()
	if c.pending && p.From.IsValid() {
		c.remote = p.From
		c.pending = false
		c.stats.latched.Add(1)
		c.log.WithField("remote", p.From.String()).Info("Удаленный адрес подтвержден первым пакетом")
	}
	c.peerMu.Unlock()
}

func (c *Channel) drop(p *packet.Packet, reason DropReason) {
	c.stats.drop(reason)
	if c.obs != nil {
		c.obs.PacketDropped(reason)
	}

	switch reason {
	case DropVersion:
		// RTP версии 0 отбрасывается без записи в журнал
	case DropUnknownPayloadType:
		c.log.WithField("payload_type", p.PayloadType()).Warn("Неизвестный тип нагрузки, пакет отброшен")
	default:
		c.log.WithField("reason", string(reason)).Debug("Пакет отброшен")
	}
}

// drainJitter задача входного конвейера: выдает готовые пакеты получателю кадров
func (c *Channel) drainJitter() bool {
	if c.State() != StateActivated {
		return false
	}
	for _, e := range c.jitter.Drain(c.sched.Clock().Now()) {
		c.deliver(e)
	}
	return true
}

// drainDTMF задача конвейера DTMF
func (c *Channel) drainDTMF() bool {
	if c.State() != StateActivated {
		return false
	}
	c.dtmf.Process()
	return true
}

// checkTimeout задача контроля неактивности
func (c *Channel) checkTimeout() bool {
	if c.State() != StateActivated {
		return false
	}
	idle := c.sched.Clock().Now() - time.Duration(c.lastArrival.Load())
	if idle <= c.config.RTPTimeout {
		return true
	}

	if c.timedOut.CompareAndSwap(false, true) {
		c.log.WithField("idle", idle).Warn("Истек таймаут RTP")
		if c.obs != nil {
			c.obs.TimedOut()
		}
		if c.onTimeout != nil {
			c.onTimeout(c.id)
		}
	}
	return false
}

// deliver декодирует пакет и передает кадр получателю
func (c *Channel) deliver(e *jitter.Entry) {
	if c.frames == nil {
		return
	}

	frame := Frame{
		Format:    e.Format,
		Payload:   e.Packet.Payload,
		Timestamp: e.Packet.Timestamp(),
		Sequence:  e.Packet.SequenceNumber(),
	}
	if codec, err := c.codecs.Lookup(e.Format); err == nil {
		samples, err := codec.Decode(e.Packet.Payload)
		if err != nil {
			c.stats.decodeErrors.Add(1)
			c.log.WithError(err).Debug("Ошибка декодирования")
			return
		}
		frame.Samples = samples
	}
	c.frames.OnFrame(frame)
}

// TimedOut сообщает, что истек таймаут RTP
func (c *Channel) TimedOut() bool {
	return c.timedOut.Load()
}
