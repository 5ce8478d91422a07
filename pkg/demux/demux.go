// Package demux разделяет датаграммы общего сокета канала на STUN, DTLS,
// RTP и RTCP и передает типизированные пакеты зарегистрированным обработчикам.
//
// Demultiplexer подключается к сокету как network.DatagramHandler. Все
// отброшенные датаграммы учитываются в счетчиках, ошибки наружу не передаются.
package demux

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/arzzra/media_gateway/pkg/clock"
	"github.com/arzzra/media_gateway/pkg/packet"
	"github.com/arzzra/media_gateway/pkg/secure"
	"github.com/sirupsen/logrus"
)

// DropReason причина отбрасывания датаграммы
type DropReason string

const (
	DropUnknownProtocol DropReason = "unknown_protocol"
	DropMalformed       DropReason = "malformed"
	DropDecryptFailed   DropReason = "decrypt_failed"
	DropNoHandler       DropReason = "no_handler"
)

// Handler получает типизированный пакет одного протокола
type Handler interface {
	Handle(p *packet.Packet)
}

// HandlerFunc адаптер функции к Handler
type HandlerFunc func(p *packet.Packet)

func (f HandlerFunc) Handle(p *packet.Packet) {
	f(p)
}

// Observer получает уведомления о принятых и отброшенных датаграммах (метрики)
type Observer interface {
	PacketAccepted(kind packet.Kind, size int)
	PacketDropped(reason DropReason)
}

// Statistics счетчики демультиплексора
type Statistics struct {
	RTP           uint64
	RTCP          uint64
	STUN          uint64
	DTLS          uint64
	Unknown       uint64
	Malformed     uint64
	DecryptFailed uint64
	Unhandled     uint64
}

// Demultiplexer демультиплексор протоколов одного сокета
type Demultiplexer struct {
	clock clock.Clock
	log   *logrus.Entry
	obs   Observer

	mu        sync.RWMutex
	handlers  map[packet.Kind]Handler
	transform secure.Transform
	onClosed  func()

	rtp, rtcp, stun, dtls atomic.Uint64
	unknown, malformed    atomic.Uint64
	decryptFailed         atomic.Uint64
	unhandled             atomic.Uint64
}

// Option дополнительная настройка демультиплексора
type Option func(*Demultiplexer)

// WithLogger задает logger
func WithLogger(entry *logrus.Entry) Option {
	return func(d *Demultiplexer) {
		d.log = entry
	}
}

// WithObserver задает получателя уведомлений
func WithObserver(o Observer) Option {
	return func(d *Demultiplexer) {
		d.obs = o
	}
}

// New создает демультиплексор. Время приема пакетов берется из clk.
func New(clk clock.Clock, opts ...Option) *Demultiplexer {
	d := &Demultiplexer{
		clock:    clk,
		log:      logrus.WithField("component", "demux"),
		handlers: make(map[packet.Kind]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle регистрирует обработчик протокола. nil удаляет обработчик.
func (d *Demultiplexer) Handle(kind packet.Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.handlers, kind)
		return
	}
	d.handlers[kind] = h
}

// SetTransform задает преобразование SRTP для RTP и RTCP. nil отключает расшифровку.
func (d *Demultiplexer) SetTransform(t secure.Transform) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transform = t
}

// OnClose задает функцию, вызываемую после закрытия сокета
func (d *Demultiplexer) OnClose(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClosed = fn
}

// Dispatch классифицирует датаграмму, строит пакет и передает его обработчику
func (d *Demultiplexer) Dispatch(data []byte, from netip.AddrPort) {
	if len(data) < 2 {
		d.drop(DropMalformed, from, nil)
		return
	}

	kind := Classify(data[0], data[1])
	if kind == packet.KindUnknown {
		d.drop(DropUnknownProtocol, from, nil)
		return
	}

	d.mu.RLock()
	handler := d.handlers[kind]
	transform := d.transform
	d.mu.RUnlock()

	if transform != nil {
		var err error
		switch kind {
		case packet.KindRTP:
			data, err = transform.DecryptRTP(nil, data)
		case packet.KindRTCP:
			data, err = transform.DecryptRTCP(nil, data)
		}
		if err != nil {
			d.drop(DropDecryptFailed, from, err)
			return
		}
	}

	p, err := d.build(kind, data, from)
	if err != nil {
		d.drop(DropMalformed, from, err)
		return
	}

	if handler == nil {
		d.drop(DropNoHandler, from, nil)
		return
	}

	d.count(kind)
	if d.obs != nil {
		d.obs.PacketAccepted(kind, len(data))
	}
	handler.Handle(p)
}

// OnClosed вызывается сетевым мультиплексором после закрытия сокета
func (d *Demultiplexer) OnClosed() {
	d.mu.RLock()
	fn := d.onClosed
	d.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Statistics возвращает счетчики
func (d *Demultiplexer) Statistics() Statistics {
	return Statistics{
		RTP:           d.rtp.Load(),
		RTCP:          d.rtcp.Load(),
		STUN:          d.stun.Load(),
		DTLS:          d.dtls.Load(),
		Unknown:       d.unknown.Load(),
		Malformed:     d.malformed.Load(),
		DecryptFailed: d.decryptFailed.Load(),
		Unhandled:     d.unhandled.Load(),
	}
}

func (d *Demultiplexer) build(kind packet.Kind, data []byte, from netip.AddrPort) (*packet.Packet, error) {
	now := d.clock.Now()
	switch kind {
	case packet.KindRTP:
		return packet.NewRTP(data, from, now)
	case packet.KindRTCP:
		return packet.NewRTCP(data, from, now)
	case packet.KindSTUN:
		return packet.NewSTUN(data, from, now)
	default:
		return packet.NewDTLS(data, from, now)
	}
}

func (d *Demultiplexer) count(kind packet.Kind) {
	switch kind {
	case packet.KindRTP:
		d.rtp.Add(1)
	case packet.KindRTCP:
		d.rtcp.Add(1)
	case packet.KindSTUN:
		d.stun.Add(1)
	case packet.KindDTLS:
		d.dtls.Add(1)
	}
}

func (d *Demultiplexer) drop(reason DropReason, from netip.AddrPort, err error) {
	switch reason {
	case DropUnknownProtocol:
		d.unknown.Add(1)
	case DropMalformed:
		d.malformed.Add(1)
	case DropDecryptFailed:
		d.decryptFailed.Add(1)
	case DropNoHandler:
		d.unhandled.Add(1)
	}
	if d.obs != nil {
		d.obs.PacketDropped(reason)
	}

	entry := d.log.WithFields(logrus.Fields{
		"reason": string(reason),
		"from":   from.String(),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("Датаграмма отброшена")
}
