package channel

import (
	"sync/atomic"
	"time"

	"github.com/arzzra/media_gateway/pkg/jitter"
	"github.com/arzzra/media_gateway/pkg/packet"
	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
)

// Statistics статистика канала
type Statistics struct {
	State State
	Mode  ConnectionMode

	PacketsRx uint64
	BytesRx   uint64
	PacketsTx uint64
	BytesTx   uint64
	Jitter    time.Duration // Оценка межпакетного джиттера (RFC 3550)

	DroppedVersion       uint64
	DroppedNotReceivable uint64
	DroppedEmpty         uint64
	DroppedUnknownType   uint64
	DecodeErrors         uint64

	Echoed  uint64
	Latched uint64

	SenderReports   uint64
	ReceiverReports uint64
	SourceDescs     uint64
	Goodbyes        uint64
	OtherRTCP       uint64
	LastSenderNTP   uint64 // NTP время последнего SR

	DTMFDetected uint64
	JitterBuffer jitter.Statistics
}

type counters struct {
	packetsRx, bytesRx atomic.Uint64
	packetsTx, bytesTx atomic.Uint64

	droppedVersion, droppedNotReceivable atomic.Uint64
	droppedEmpty, droppedUnknownType     atomic.Uint64
	decodeErrors                         atomic.Uint64

	echoed, latched atomic.Uint64

	sr, rr, sdes, bye, otherRTCP atomic.Uint64
	lastSenderNTP                atomic.Uint64
}

func (s *counters) drop(reason DropReason) {
	switch reason {
	case DropVersion:
		s.droppedVersion.Add(1)
	case DropNotReceivable:
		s.droppedNotReceivable.Add(1)
	case DropEmptyPayload:
		s.droppedEmpty.Add(1)
	case DropUnknownPayloadType:
		s.droppedUnknownType.Add(1)
	}
}

// Statistics возвращает статистику канала
func (c *Channel) Statistics() Statistics {
	c.mu.Lock()
	state, mode := c.state, c.mode
	c.mu.Unlock()

	jb := c.jitter.Statistics()
	return Statistics{
		State:                state,
		Mode:                 mode,
		PacketsRx:            c.stats.packetsRx.Load(),
		BytesRx:              c.stats.bytesRx.Load(),
		PacketsTx:            c.stats.packetsTx.Load(),
		BytesTx:              c.stats.bytesTx.Load(),
		Jitter:               jb.Jitter,
		DroppedVersion:       c.stats.droppedVersion.Load(),
		DroppedNotReceivable: c.stats.droppedNotReceivable.Load(),
		DroppedEmpty:         c.stats.droppedEmpty.Load(),
		DroppedUnknownType:   c.stats.droppedUnknownType.Load(),
		DecodeErrors:         c.stats.decodeErrors.Load(),
		Echoed:               c.stats.echoed.Load(),
		Latched:              c.stats.latched.Load(),
		SenderReports:        c.stats.sr.Load(),
		ReceiverReports:      c.stats.rr.Load(),
		SourceDescs:          c.stats.sdes.Load(),
		Goodbyes:             c.stats.bye.Load(),
		OtherRTCP:            c.stats.otherRTCP.Load(),
		LastSenderNTP:        c.stats.lastSenderNTP.Load(),
		DTMFDetected:         c.detector.Detected(),
		JitterBuffer:         jb,
	}
}

// ReceiveRTCP учитывает принятый составной RTCP пакет
func (c *Channel) ReceiveRTCP(p *packet.Packet) {
	if c.State() == StateDeactivated {
		return
	}

	for _, pkt := range p.RTCP {
		switch r := pkt.(type) {
		case *rtcp.SenderReport:
			c.stats.sr.Add(1)
			c.stats.lastSenderNTP.Store(r.NTPTime)
		case *rtcp.ReceiverReport:
			c.stats.rr.Add(1)
		case *rtcp.SourceDescription:
			c.stats.sdes.Add(1)
		case *rtcp.Goodbye:
			c.stats.bye.Add(1)
			c.log.WithFields(logrus.Fields{
				"sources": r.Sources,
				"reason":  r.Reason,
			}).Info("Получен RTCP BYE")
		default:
			c.stats.otherRTCP.Add(1)
		}
	}
}
