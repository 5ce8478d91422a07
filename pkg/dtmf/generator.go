package dtmf

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// Количество повторов начального и конечного пакета события
const (
	startPackets = 3
	endPackets   = 3
)

// Generator формирует RTP пакеты событий telephone-event
type Generator struct {
	PayloadType uint8
	ClockRate   uint32
	SSRC        uint32
	Sequence    uint16
}

// Packets формирует пакеты одного события: три начальных (первый с маркером)
// и три конечных с флагом E. Sequence увеличивается на число пакетов.
func (g *Generator) Packets(digit Digit, duration time.Duration, volume uint8, timestamp uint32) ([]*rtp.Packet, error) {
	if !digit.Valid() {
		return nil, fmt.Errorf("недопустимый код события: %d", digit)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("длительность DTMF должна быть положительной")
	}

	clockRate := g.ClockRate
	if clockRate == 0 {
		clockRate = 8000
	}
	ticks := int64(duration) * int64(clockRate) / int64(time.Second)
	if ticks > 0xFFFF {
		ticks = 0xFFFF
	}

	payload := Payload{Event: uint8(digit), Volume: volume, Duration: uint16(ticks)}
	packets := make([]*rtp.Packet, 0, startPackets+endPackets)

	for i := 0; i < startPackets+endPackets; i++ {
		payload.End = i >= startPackets
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == 0,
				PayloadType:    g.PayloadType,
				SequenceNumber: g.Sequence,
				Timestamp:      timestamp,
				SSRC:           g.SSRC,
			},
			Payload: payload.Marshal(),
		})
		g.Sequence++
	}
	return packets, nil
}
