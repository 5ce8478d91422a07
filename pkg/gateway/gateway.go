// Package gateway управляющий интерфейс медиа шлюза.
//
// Gateway владеет каналами и их сокетами. Вызовы сигнализации (MGCP)
// адресуют канал по идентификатору: создают канал, привязывают его к порту,
// задают форматы и режим, активируют и закрывают.
package gateway

import (
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/arzzra/media_gateway/pkg/channel"
	"github.com/arzzra/media_gateway/pkg/demux"
	"github.com/arzzra/media_gateway/pkg/format"
	"github.com/arzzra/media_gateway/pkg/icelite"
	"github.com/arzzra/media_gateway/pkg/jitter"
	"github.com/arzzra/media_gateway/pkg/network"
	"github.com/arzzra/media_gateway/pkg/scheduler"
	"github.com/arzzra/media_gateway/pkg/secure"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Config параметры шлюза
type Config struct {
	Channel channel.Config
	// SessionName имя сессии в SDP предложении
	SessionName string
	// ICELite включает ответчик STUN на сокете каждого канала
	ICELite bool
	// CloseOnTimeout закрывает канал по истечении таймаута RTP
	CloseOnTimeout bool
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Channel:        channel.DefaultConfig(),
		SessionName:    "media_gateway",
		CloseOnTimeout: true,
	}
}

// Observer получает уведомления о жизненном цикле каналов (метрики)
type Observer interface {
	ChannelOpened()
	ChannelClosed()
}

// connection канал вместе с его сокетом
type connection struct {
	ch     *channel.Channel
	handle *network.Handle
	addr   netip.AddrPort
	ice    *icelite.Config
}

// Gateway реестр каналов шлюза
type Gateway struct {
	config Config
	sched  *scheduler.Scheduler
	mux    *network.Multiplexer
	log    *logrus.Entry

	obs        Observer
	channelObs channel.Observer
	demuxObs   demux.Observer
	jitterObs  jitter.Observer
	codecs     *format.Registry

	mu     sync.RWMutex
	conns  map[string]*connection
	closed bool
}

// Option дополнительная настройка шлюза
type Option func(*Gateway)

// WithLogger задает logger
func WithLogger(entry *logrus.Entry) Option {
	return func(g *Gateway) {
		g.log = entry
	}
}

// WithObserver задает получателя уведомлений о каналах
func WithObserver(o Observer) Option {
	return func(g *Gateway) {
		g.obs = o
	}
}

// WithChannelObserver задает получателя уведомлений всех каналов
func WithChannelObserver(o channel.Observer) Option {
	return func(g *Gateway) {
		g.channelObs = o
	}
}

// WithDemuxObserver задает получателя уведомлений демультиплексоров каналов
func WithDemuxObserver(o demux.Observer) Option {
	return func(g *Gateway) {
		g.demuxObs = o
	}
}

// WithJitterObserver задает получателя уведомлений jitter buffer каналов
func WithJitterObserver(o jitter.Observer) Option {
	return func(g *Gateway) {
		g.jitterObs = o
	}
}

// WithCodecs задает реестр кодеков для всех каналов
func WithCodecs(r *format.Registry) Option {
	return func(g *Gateway) {
		g.codecs = r
	}
}

// New создает шлюз поверх планировщика и мультиплексора
func New(config Config, sched *scheduler.Scheduler, mux *network.Multiplexer, opts ...Option) (*Gateway, error) {
	if err := config.Channel.Validate(); err != nil {
		return nil, newError(ErrorCodeChannelCreateFailed, "", "неверная конфигурация каналов", err)
	}
	if sched == nil || mux == nil {
		return nil, newError(ErrorCodeChannelCreateFailed, "", "планировщик и мультиплексор обязательны", nil)
	}

	g := &Gateway{
		config: config,
		sched:  sched,
		mux:    mux,
		log:    logrus.WithField("component", "gateway"),
		conns:  make(map[string]*connection),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// OpenChannel создает канал в состоянии Idle и возвращает его идентификатор.
// Дополнительные опции применяются после опций шлюза.
func (g *Gateway) OpenChannel(opts ...channel.Option) (string, error) {
	id := uuid.NewString()
	log := g.log.WithField("channel_id", id)

	chOpts := []channel.Option{
		channel.WithLogger(log.WithField("component", "channel")),
		channel.WithPeerPolicy(g.mux.Policy()),
		channel.WithTimeoutListener(g.onTimeout),
		channel.WithSocketClosedListener(g.onSocketClosed),
	}
	if g.channelObs != nil {
		chOpts = append(chOpts, channel.WithObserver(g.channelObs))
	}
	if g.demuxObs != nil {
		chOpts = append(chOpts, channel.WithDemuxObserver(g.demuxObs))
	}
	if g.jitterObs != nil {
		chOpts = append(chOpts, channel.WithJitterObserver(g.jitterObs))
	}
	if g.codecs != nil {
		chOpts = append(chOpts, channel.WithCodecs(g.codecs))
	}

	var ice *icelite.Config
	if g.config.ICELite {
		ice = &icelite.Config{
			Username: credential(8),
			Password: credential(24),
		}
		chOpts = append(chOpts, channel.WithSTUN(icelite.NewResponder(*ice,
			icelite.WithLogger(log.WithField("component", "icelite")))))
	}

	ch, err := channel.New(id, g.config.Channel, g.sched, append(chOpts, opts...)...)
	if err != nil {
		return "", newError(ErrorCodeChannelCreateFailed, id, "не удалось создать канал", err)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return "", newError(ErrorCodeClosed, id, "шлюз остановлен", nil)
	}
	g.conns[id] = &connection{ch: ch, ice: ice}
	g.mu.Unlock()

	if g.obs != nil {
		g.obs.ChannelOpened()
	}
	log.Debug("Канал создан")
	return id, nil
}

// Bind открывает сокет канала и привязывает его к порту. network.AnyPort
// выбирает порт из диапазона менеджера портов.
func (g *Gateway) Bind(id string, port int, scope network.Scope) (netip.AddrPort, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	conn, ok := g.conns[id]
	if !ok {
		return netip.AddrPort{}, newError(ErrorCodeChannelNotFound, id, "канал не найден", nil)
	}
	if conn.handle != nil {
		return netip.AddrPort{}, newError(ErrorCodeAlreadyBound, id, "канал уже привязан к "+conn.addr.String(), nil)
	}

	h, err := g.mux.Open(conn.ch.Attachment())
	if err != nil {
		return netip.AddrPort{}, newError(ErrorCodeBindFailed, id, "не удалось открыть сокет", err)
	}
	addr, err := g.mux.Bind(h, port, scope)
	if err != nil {
		g.mux.Close(h)
		return netip.AddrPort{}, newError(ErrorCodeBindFailed, id, "не удалось привязать сокет", err)
	}

	conn.ch.Attach(h)
	conn.handle = h
	conn.addr = addr

	g.log.WithFields(logrus.Fields{
		"channel_id": id,
		"addr":       addr.String(),
		"scope":      scope.String(),
	}).Info("Канал привязан")
	return addr, nil
}

// SetFormats задает согласованные форматы канала
func (g *Gateway) SetFormats(id string, formats format.Map) error {
	if err := formats.Validate(); err != nil {
		return newError(ErrorCodeInvalidFormats, id, "неверные форматы", err)
	}
	conn, err := g.lookup(id)
	if err != nil {
		return err
	}
	conn.ch.SetFormats(formats)
	return nil
}

// SetMode задает режим соединения канала
func (g *Gateway) SetMode(id string, mode channel.ConnectionMode) error {
	conn, err := g.lookup(id)
	if err != nil {
		return err
	}
	conn.ch.SetMode(mode)
	return nil
}

// Activate активирует канал
func (g *Gateway) Activate(id string) error {
	conn, err := g.lookup(id)
	if err != nil {
		return err
	}
	conn.ch.Activate()
	return nil
}

// Deactivate деактивирует канал. Сокет остается открытым до Close.
func (g *Gateway) Deactivate(id string) error {
	conn, err := g.lookup(id)
	if err != nil {
		return err
	}
	conn.ch.Deactivate()
	return nil
}

// Statistics возвращает статистику канала
func (g *Gateway) Statistics(id string) (channel.Statistics, error) {
	conn, err := g.lookup(id)
	if err != nil {
		return channel.Statistics{}, err
	}
	return conn.ch.Statistics(), nil
}

// SetRemotePeer задает удаленный адрес канала из сигнализации
func (g *Gateway) SetRemotePeer(id string, addr netip.AddrPort) error {
	conn, err := g.lookup(id)
	if err != nil {
		return err
	}
	if err := conn.ch.SetRemotePeer(addr); err != nil {
		return newError(ErrorCodeInvalidPeer, id, "не удалось задать удаленный адрес", err)
	}
	return nil
}

// SetTransform задает преобразование SRTP канала
func (g *Gateway) SetTransform(id string, t secure.Transform) error {
	conn, err := g.lookup(id)
	if err != nil {
		return err
	}
	conn.ch.SetTransform(t)
	return nil
}

// Channel возвращает канал для операций медиа (отправка, DTMF)
func (g *Gateway) Channel(id string) (*channel.Channel, error) {
	conn, err := g.lookup(id)
	if err != nil {
		return nil, err
	}
	return conn.ch, nil
}

// LocalAddr адрес, к которому привязан канал
func (g *Gateway) LocalAddr(id string) (netip.AddrPort, error) {
	conn, err := g.lookup(id)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if conn.handle == nil {
		return netip.AddrPort{}, newError(ErrorCodeNotBound, id, "канал не привязан", nil)
	}
	return conn.addr, nil
}

// Channels идентификаторы открытых каналов в лексикографическом порядке
func (g *Gateway) Channels() []string {
	g.mu.RLock()
	ids := lo.Keys(g.conns)
	g.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Close деактивирует канал, закрывает его сокет и удаляет канал
func (g *Gateway) Close(id string) error {
	g.mu.Lock()
	conn, ok := g.conns[id]
	delete(g.conns, id)
	g.mu.Unlock()

	if !ok {
		return newError(ErrorCodeChannelNotFound, id, "канал не найден", nil)
	}

	conn.ch.Close()
	if conn.handle != nil {
		g.mux.Close(conn.handle)
	}
	if g.obs != nil {
		g.obs.ChannelClosed()
	}
	g.log.WithField("channel_id", id).Info("Канал закрыт")
	return nil
}

// Shutdown закрывает все каналы. Новые каналы после вызова не создаются.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	g.closed = true
	ids := lo.Keys(g.conns)
	g.mu.Unlock()

	for _, id := range ids {
		_ = g.Close(id)
	}
}

func (g *Gateway) lookup(id string) (*connection, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	conn, ok := g.conns[id]
	if !ok {
		return nil, newError(ErrorCodeChannelNotFound, id, "канал не найден", nil)
	}
	return conn, nil
}

// onTimeout вызывается задачей heartbeat канала
func (g *Gateway) onTimeout(id string) {
	if !g.config.CloseOnTimeout {
		return
	}
	g.log.WithField("channel_id", id).Warn("Канал закрывается по таймауту RTP")
	_ = g.Close(id)
}

// onSocketClosed убирает канал, сокет которого закрыл мультиплексор
func (g *Gateway) onSocketClosed(id string) {
	g.mu.Lock()
	_, ok := g.conns[id]
	g.mu.Unlock()
	if !ok {
		return
	}
	g.log.WithField("channel_id", id).Warn("Сокет канала закрыт мультиплексором")
	_ = g.Close(id)
}

// credential случайная строка ICE из шестнадцатеричных символов
func credential(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	for len(s) < n {
		s += strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return s[:n]
}
