// Package jitter восстанавливает порядок и темп RTP потока канала.
//
// Buffer хранит пакеты в skiplist по расширенному порядковому номеру и отдает
// их по наступлении времени воспроизведения. Время воспроизведения считается
// от первого пакета потока: время приема + задержка + смещение RTP метки
// времени. Опоздавшие, слишком ранние и повторные пакеты отбрасываются и
// учитываются в статистике.
//
// Расписание привязывается заново при смене SSRC, на пакете с битом marker
// (начало разговорного фрагмента) и после ResyncAfter подряд пакетов,
// не попавших в окно воспроизведения по времени.
package jitter

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/arzzra/media_gateway/pkg/format"
	"github.com/arzzra/media_gateway/pkg/packet"
	"github.com/huandu/skiplist"
	"github.com/sirupsen/logrus"
)

// Значения по умолчанию
const (
	DefaultDelay      = 60 * time.Millisecond
	DefaultSize       = 200 * time.Millisecond
	DefaultMaxEntries = 500

	// ResyncAfter число подряд опоздавших или слишком ранних по времени пакетов,
	// после которого расписание привязывается к текущему пакету
	ResyncAfter = 5
)

// Config параметры jitter buffer
type Config struct {
	Delay      time.Duration // Задержка воспроизведения относительно первого пакета
	Size       time.Duration // Окно буферизации сверх задержки
	MaxEntries int           // Максимальное число пакетов в буфере
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Delay:      DefaultDelay,
		Size:       DefaultSize,
		MaxEntries: DefaultMaxEntries,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.Delay < 0 {
		return fmt.Errorf("задержка не может быть отрицательной: %v", c.Delay)
	}
	if c.Size <= 0 {
		return fmt.Errorf("размер окна должен быть положительным: %v", c.Size)
	}
	if c.MaxEntries <= 0 {
		return errors.New("максимальное число пакетов должно быть положительным")
	}
	return nil
}

// DropReason причина отбрасывания пакета
type DropReason string

const (
	DropLate      DropReason = "late"
	DropEarly     DropReason = "early"
	DropDuplicate DropReason = "duplicate"
	DropOverflow  DropReason = "overflow"
	DropNoSink    DropReason = "no_sink"
)

// Entry буферизованный пакет
type Entry struct {
	Packet    *packet.Packet
	Format    format.Format
	Seq       uint64        // Расширенный порядковый номер
	Timestamp int64         // Расширенная RTP метка времени
	Deadline  time.Duration // Время воспроизведения
}

// Sink получатель пакетов в режиме без буферизации
type Sink interface {
	Deliver(e *Entry)
}

// SinkFunc адаптер функции к Sink
type SinkFunc func(e *Entry)

func (f SinkFunc) Deliver(e *Entry) {
	f(e)
}

// Observer получает уведомления об отброшенных пакетах (метрики)
type Observer interface {
	EntryDropped(reason DropReason)
}

// Statistics статистика jitter buffer
type Statistics struct {
	Received  uint64 // Принято в буфер
	Delivered uint64 // Отдано по времени воспроизведения
	Passed    uint64 // Передано напрямую без буферизации
	Lost      uint64 // Опоздавшие пакеты
	Missing   uint64 // Пропуски порядковых номеров при выдаче
	Early     uint64
	Duplicate uint64
	Overflow  uint64
	Resyncs   uint64 // Повторные привязки расписания
	Restarts  uint64
	Buffered  int
	Jitter    time.Duration // Оценка межпакетного джиттера (RFC 3550)
}

// Buffer jitter buffer одного канала
type Buffer struct {
	config Config
	log    *logrus.Entry
	obs    Observer

	mu      sync.Mutex
	sink    Sink
	inUse   bool
	entries *skiplist.SkipList

	anchored    bool
	ssrc        uint32
	seq         seqUnwrapper
	ts          tsUnwrapper
	baseArrival time.Duration
	baseTs      int64
	cursor      time.Duration
	delivered   uint64 // Последний отданный расширенный номер, 0 если не было
	misses      int    // Подряд пакетов вне окна воспроизведения

	transit     int64
	haveTransit bool
	jitter      float64 // В единицах RTP метки времени
	clockRate   uint32

	stats Statistics
}

// Option дополнительная настройка буфера
type Option func(*Buffer)

// WithLogger задает logger
func WithLogger(entry *logrus.Entry) Option {
	return func(b *Buffer) {
		b.log = entry
	}
}

// WithSink задает получателя для режима без буферизации
func WithSink(s Sink) Option {
	return func(b *Buffer) {
		b.sink = s
	}
}

// WithObserver задает получателя уведомлений
func WithObserver(o Observer) Option {
	return func(b *Buffer) {
		b.obs = o
	}
}

// New создает jitter buffer. Буферизация включена.
func New(config Config, opts ...Option) (*Buffer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация jitter buffer: %w", err)
	}

	b := &Buffer{
		config:  config,
		log:     logrus.WithField("component", "jitter"),
		inUse:   true,
		entries: skiplist.New(skiplist.Uint64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Config возвращает конфигурацию буфера
func (b *Buffer) Config() Config {
	return b.config
}

// SetSink задает получателя для режима без буферизации
func (b *Buffer) SetSink(s Sink) {
	b.mu.Lock()
	b.sink = s
	b.mu.Unlock()
}

// SetInUse включает или выключает буферизацию. При выключении буфер очищается,
// а Write передает пакеты напрямую получателю.
func (b *Buffer) SetInUse(inUse bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inUse == inUse {
		return
	}
	b.inUse = inUse
	if !inUse {
		b.reset()
	}
}

// InUse сообщает, включена ли буферизация
func (b *Buffer) InUse() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse
}

// Write помещает RTP пакет в буфер
func (b *Buffer) Write(p *packet.Packet, f format.Format) {
	b.mu.Lock()

	if !b.inUse {
		sink := b.sink
		if sink == nil {
			b.mu.Unlock()
			b.dropped(DropNoSink)
			return
		}
		b.stats.Passed++
		b.mu.Unlock()

		sink.Deliver(&Entry{
			Packet:    p,
			Format:    f,
			Seq:       uint64(p.SequenceNumber()),
			Timestamp: int64(p.Timestamp()),
			Deadline:  p.Arrival,
		})
		return
	}

	if b.anchored && p.SSRC() != b.ssrc {
		b.log.WithFields(logrus.Fields{
			"old_ssrc": b.ssrc,
			"new_ssrc": p.SSRC(),
		}).Debug("Смена SSRC, буфер перезапущен")
		b.reset()
		b.stats.Resyncs++
	}

	fresh := !b.anchored
	if fresh {
		b.anchor(p, f)
	}

	// Время приема не может быть позже текущего момента воспроизведения
	b.advance(p.Arrival)

	seq := b.seq.unwrap(p.SequenceNumber())
	ts := b.ts.unwrap(p.Timestamp())
	b.estimate(p.Arrival, ts, f.ClockRate)

	if !fresh && p.Header.Marker {
		b.rebase(p.Arrival, ts, "marker")
	}

	entry := &Entry{
		Packet:    p,
		Format:    f,
		Seq:       seq,
		Timestamp: ts,
		Deadline:  b.deadline(ts, f),
	}

	reason, ok := b.admit(entry)
	if !ok && b.missed(entry, reason) {
		b.misses++
		if b.misses >= ResyncAfter {
			b.rebase(p.Arrival, ts, "drops")
			entry.Deadline = b.deadline(ts, f)
			reason, ok = b.admit(entry)
		}
	}
	if !ok {
		b.count(reason)
		b.mu.Unlock()
		b.dropped(reason)
		b.log.WithFields(logrus.Fields{
			"reason": string(reason),
			"seq":    p.SequenceNumber(),
		}).Debug("Пакет отброшен jitter buffer")
		return
	}

	b.misses = 0
	b.entries.Set(seq, entry)
	b.stats.Received++
	b.mu.Unlock()
}

// Read возвращает следующий пакет, время воспроизведения которого наступило.
// Пакеты отдаются в порядке расширенных порядковых номеров.
func (b *Buffer) Read(now time.Duration) (*Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(now)
	return b.pop(now)
}

// Drain возвращает все пакеты, время воспроизведения которых наступило
func (b *Buffer) Drain(now time.Duration) []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(now)

	var out []*Entry
	for {
		e, ok := b.pop(now)
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

// Restart очищает буфер и сбрасывает курсор воспроизведения и привязку потока
func (b *Buffer) Restart() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reset()
	b.stats.Restarts++
}

// Len количество пакетов в буфере
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Len()
}

// Statistics возвращает статистику
func (b *Buffer) Statistics() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := b.stats
	stats.Buffered = b.entries.Len()
	if b.clockRate > 0 {
		stats.Jitter = time.Duration(b.jitter * float64(time.Second) / float64(b.clockRate))
	}
	return stats
}

// admit проверяет пакет перед вставкой. Вызывается под блокировкой.
func (b *Buffer) admit(e *Entry) (DropReason, bool) {
	if b.alreadyPlayed(e) {
		return DropLate, false
	}
	if e.Deadline < b.cursor {
		return DropLate, false
	}
	if e.Deadline > b.cursor+b.config.Delay+b.config.Size {
		return DropEarly, false
	}
	if b.entries.Get(e.Seq) != nil {
		return DropDuplicate, false
	}
	if b.entries.Len() >= b.config.MaxEntries {
		return DropOverflow, false
	}
	return "", true
}

func (b *Buffer) alreadyPlayed(e *Entry) bool {
	return b.delivered != 0 && e.Seq <= b.delivered
}

// missed сообщает, что пакет отброшен из-за расписания, а не из-за номера
func (b *Buffer) missed(e *Entry, reason DropReason) bool {
	switch reason {
	case DropEarly:
		return true
	case DropLate:
		return !b.alreadyPlayed(e)
	}
	return false
}

func (b *Buffer) count(reason DropReason) {
	switch reason {
	case DropLate:
		b.stats.Lost++
	case DropEarly:
		b.stats.Early++
	case DropDuplicate:
		b.stats.Duplicate++
	case DropOverflow:
		b.stats.Overflow++
	}
}

func (b *Buffer) deadline(ts int64, f format.Format) time.Duration {
	return b.baseArrival + b.config.Delay + f.Duration(ts-b.baseTs)
}

// rebase привязывает расписание к пакету, принятому в arrival с меткой ts.
// Порядковые номера и уже буферизованные пакеты не меняются.
func (b *Buffer) rebase(arrival time.Duration, ts int64, cause string) {
	b.baseArrival = arrival
	b.baseTs = ts
	b.misses = 0
	b.stats.Resyncs++
	b.log.WithField("cause", cause).Debug("Расписание воспроизведения привязано заново")
}

func (b *Buffer) anchor(p *packet.Packet, f format.Format) {
	b.anchored = true
	b.ssrc = p.SSRC()
	b.seq = seqUnwrapper{}
	b.ts = tsUnwrapper{}
	b.baseTs = b.ts.unwrap(p.Timestamp())
	b.baseArrival = p.Arrival
	b.clockRate = f.ClockRate
}

func (b *Buffer) advance(now time.Duration) {
	if now > b.cursor {
		b.cursor = now
	}
}

func (b *Buffer) pop(now time.Duration) (*Entry, bool) {
	front := b.entries.Front()
	if front == nil {
		return nil, false
	}
	e := front.Value.(*Entry)
	if e.Deadline > now {
		return nil, false
	}
	b.entries.RemoveFront()

	if b.delivered != 0 && e.Seq > b.delivered+1 {
		b.stats.Missing += e.Seq - b.delivered - 1
	}
	b.delivered = e.Seq
	b.stats.Delivered++
	return e, true
}

// reset сбрасывает состояние потока, статистика сохраняется
func (b *Buffer) reset() {
	b.entries.Init()
	b.anchored = false
	b.delivered = 0
	b.misses = 0
	b.cursor = 0
	b.haveTransit = false
	b.transit = 0
	b.jitter = 0
}

// estimate обновляет оценку джиттера по RFC 3550 (раздел 6.4.1)
func (b *Buffer) estimate(arrival time.Duration, ts int64, clockRate uint32) {
	if clockRate == 0 {
		return
	}
	arrivalTs := int64(arrival) * int64(clockRate) / int64(time.Second)
	transit := arrivalTs - ts
	if b.haveTransit {
		d := math.Abs(float64(transit - b.transit))
		b.jitter += (d - b.jitter) / 16
	}
	b.transit = transit
	b.haveTransit = true
}

func (b *Buffer) dropped(reason DropReason) {
	if b.obs != nil {
		b.obs.EntryDropped(reason)
	}
}

// seqUnwrapper расширяет 16-битный порядковый номер.
// Начальное значение смещено на 1<<16, чтобы пакеты до первого не уходили в минус.
type seqUnwrapper struct {
	started bool
	last    uint64
}

func (u *seqUnwrapper) unwrap(v uint16) uint64 {
	if !u.started {
		u.started = true
		u.last = 1<<16 + uint64(v)
		return u.last
	}
	delta := int64(int16(v - uint16(u.last)))
	ext := uint64(int64(u.last) + delta)
	if ext > u.last {
		u.last = ext
	}
	return ext
}

// tsUnwrapper расширяет 32-битную RTP метку времени
type tsUnwrapper struct {
	started bool
	last    int64
}

func (u *tsUnwrapper) unwrap(v uint32) int64 {
	if !u.started {
		u.started = true
		u.last = 1<<32 + int64(v)
		return u.last
	}
	delta := int64(int32(v - uint32(u.last)))
	ext := u.last + delta
	if ext > u.last {
		u.last = ext
	}
	return ext
}
