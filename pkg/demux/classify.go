package demux

import "github.com/arzzra/media_gateway/pkg/packet"

// Коды типов RTCP пакетов (RFC 3550)
const (
	rtcpSenderReport   = 200
	rtcpReceiverReport = 201
	rtcpSourceDesc     = 202
	rtcpGoodbye        = 203
	rtcpApplication    = 204
)

// Classify определяет протокол датаграммы по первым двум байтам (RFC 5764 §5.1.2).
// RTP и RTCP различаются по второму байту: если (b1 & 0x7F) + 128 совпадает с
// кодом RTCP пакета 200-204, датаграмма считается RTCP (RFC 5761).
func Classify(b0, b1 byte) packet.Kind {
	switch {
	case b0 < 2:
		return packet.KindSTUN
	case b0 > 19 && b0 < 64:
		return packet.KindDTLS
	case b0 > 127 && b0 < 192:
		switch int(b1&0x7F) + 128 {
		case rtcpSenderReport, rtcpReceiverReport, rtcpSourceDesc, rtcpGoodbye, rtcpApplication:
			return packet.KindRTCP
		}
		return packet.KindRTP
	default:
		return packet.KindUnknown
	}
}
