package channel

import (
	"sync"

	"github.com/arzzra/media_gateway/pkg/dtmf"
	"github.com/arzzra/media_gateway/pkg/format"
	"github.com/arzzra/media_gateway/pkg/packet"
	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
)

// DTMFPath путь пакетов telephone-event
type DTMFPath interface {
	// Write ставит пакет в очередь обработки
	Write(p *packet.Packet, f format.Format)
	// Process обрабатывает накопленные пакеты, вызывается задачей DTMF
	Process()
	// Reset сбрасывает очередь и состояние текущего события
	Reset()
}

type dtmfItem struct {
	packet *packet.Packet
	format format.Format
}

// dtmfInput очередь пакетов telephone-event перед детектором
type dtmfInput struct {
	mu       sync.Mutex
	queue    *deque.Deque[dtmfItem]
	limit    int
	detector *dtmf.Detector
	log      *logrus.Entry
	dropped  uint64
}

func newDTMFInput(detector *dtmf.Detector, limit int, log *logrus.Entry) *dtmfInput {
	return &dtmfInput{
		queue:    deque.New[dtmfItem](),
		limit:    limit,
		detector: detector,
		log:      log,
	}
}

func (d *dtmfInput) Write(p *packet.Packet, f format.Format) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.limit > 0 && d.queue.Len() >= d.limit {
		d.queue.PopFront()
		d.dropped++
	}
	d.queue.PushBack(dtmfItem{packet: p, format: f})
}

func (d *dtmfInput) Process() {
	for {
		d.mu.Lock()
		if d.queue.Len() == 0 {
			d.mu.Unlock()
			return
		}
		item := d.queue.PopFront()
		d.mu.Unlock()

		if _, _, err := d.detector.Process(item.packet, item.format); err != nil {
			d.log.WithError(err).Debug("Некорректный DTMF пакет")
		}
	}
}

func (d *dtmfInput) Reset() {
	d.mu.Lock()
	d.queue.Clear()
	d.mu.Unlock()
	d.detector.Reset()
}
