package dtmf

import (
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/media_gateway/pkg/format"
	"github.com/arzzra/media_gateway/pkg/packet"
)

// Listener получает обнаруженные цифры
type Listener interface {
	OnDigit(e Event)
}

// ListenerFunc адаптер функции к Listener
type ListenerFunc func(e Event)

func (f ListenerFunc) OnDigit(e Event) {
	f(e)
}

// Detector выделяет цифры из потока telephone-event пакетов.
//
// Одно событие передается несколькими пакетами с одинаковой RTP меткой
// времени (начало, продолжения и до трех повторов конца). Слушатель
// уведомляется один раз на событие, по первому принятому пакету.
type Detector struct {
	mu       sync.Mutex
	listener Listener

	seen    bool
	current uint32 // Метка времени текущего события
	ended   bool

	detected uint64
	invalid  uint64
}

// NewDetector создает детектор
func NewDetector(l Listener) *Detector {
	return &Detector{listener: l}
}

// SetListener задает слушателя
func (d *Detector) SetListener(l Listener) {
	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()
}

// Process обрабатывает пакет telephone-event. Возвращает событие и true,
// если пакет начинает новое событие.
func (d *Detector) Process(p *packet.Packet, f format.Format) (Event, bool, error) {
	var payload Payload
	if err := payload.Unmarshal(p.Payload); err != nil {
		d.mu.Lock()
		d.invalid++
		d.mu.Unlock()
		return Event{}, false, err
	}
	if !Digit(payload.Event).Valid() {
		d.mu.Lock()
		d.invalid++
		d.mu.Unlock()
		return Event{}, false, fmt.Errorf("неподдерживаемый код события: %d", payload.Event)
	}

	clockRate := f.ClockRate
	if clockRate == 0 {
		clockRate = 8000
	}
	event := Event{
		Digit:     Digit(payload.Event),
		Duration:  time.Duration(payload.Duration) * time.Second / time.Duration(clockRate),
		Volume:    -int8(payload.Volume),
		Timestamp: p.Timestamp(),
		End:       payload.End,
	}

	d.mu.Lock()
	fresh := !d.seen || p.Timestamp() != d.current
	if fresh {
		d.seen = true
		d.current = p.Timestamp()
		d.detected++
	}
	d.ended = payload.End
	listener := d.listener
	d.mu.Unlock()

	if fresh && listener != nil {
		listener.OnDigit(event)
	}
	return event, fresh, nil
}

// Active сообщает, что последнее событие еще не завершено
func (d *Detector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen && !d.ended
}

// Reset сбрасывает состояние текущего события
func (d *Detector) Reset() {
	d.mu.Lock()
	d.seen = false
	d.current = 0
	d.ended = false
	d.mu.Unlock()
}

// Detected количество обнаруженных событий
func (d *Detector) Detected() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detected
}

// Invalid количество отброшенных некорректных пакетов
func (d *Detector) Invalid() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.invalid
}
