// Package packet описывает типизированное представление принятой датаграммы.
//
// Packet создается один раз на датаграмму и после создания не изменяется.
// Стадии конвейера передают его по указателю, не копируя.
package packet

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/pion/dtls/v2/pkg/protocol/recordlayer"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/stun"
)

// Kind протокол датаграммы
type Kind int

const (
	KindUnknown Kind = iota
	KindSTUN
	KindDTLS
	KindRTP
	KindRTCP
)

func (k Kind) String() string {
	switch k {
	case KindSTUN:
		return "stun"
	case KindDTLS:
		return "dtls"
	case KindRTP:
		return "rtp"
	case KindRTCP:
		return "rtcp"
	default:
		return "unknown"
	}
}

// Packet типизированная датаграмма
type Packet struct {
	Kind Kind

	// RTP
	Header  rtp.Header
	Payload []byte

	// RTCP
	RTCP []rtcp.Packet

	// STUN
	STUN *stun.Message

	// DTLS
	DTLS *recordlayer.Header

	Raw     []byte         // Байты датаграммы (после расшифровки SRTP)
	From    netip.AddrPort // Адрес отправителя
	Arrival time.Duration  // Время приема по часам шлюза
}

// NewRTP разбирает RTP пакет. Срез data переходит во владение пакета.
func NewRTP(data []byte, from netip.AddrPort, arrival time.Duration) (*Packet, error) {
	var p rtp.Packet
	if err := p.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("ошибка разбора RTP пакета: %w", err)
	}
	return &Packet{
		Kind:    KindRTP,
		Header:  p.Header,
		Payload: p.Payload,
		Raw:     data,
		From:    from,
		Arrival: arrival,
	}, nil
}

// BuildRTP собирает RTP пакет из заголовка и нагрузки
func BuildRTP(header rtp.Header, payload []byte, from netip.AddrPort, arrival time.Duration) (*Packet, error) {
	raw, err := (&rtp.Packet{Header: header, Payload: payload}).Marshal()
	if err != nil {
		return nil, fmt.Errorf("ошибка сборки RTP пакета: %w", err)
	}
	return &Packet{
		Kind:    KindRTP,
		Header:  header,
		Payload: raw[header.MarshalSize():],
		Raw:     raw,
		From:    from,
		Arrival: arrival,
	}, nil
}

// NewRTCP разбирает составной RTCP пакет
func NewRTCP(data []byte, from netip.AddrPort, arrival time.Duration) (*Packet, error) {
	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора RTCP пакета: %w", err)
	}
	return &Packet{
		Kind:    KindRTCP,
		RTCP:    packets,
		Raw:     data,
		From:    from,
		Arrival: arrival,
	}, nil
}

// NewSTUN разбирает STUN сообщение
func NewSTUN(data []byte, from netip.AddrPort, arrival time.Duration) (*Packet, error) {
	if !stun.IsMessage(data) {
		return nil, fmt.Errorf("нет STUN magic cookie")
	}
	msg := &stun.Message{Raw: data}
	if err := msg.Decode(); err != nil {
		return nil, fmt.Errorf("ошибка разбора STUN сообщения: %w", err)
	}
	return &Packet{
		Kind:    KindSTUN,
		STUN:    msg,
		Raw:     data,
		From:    from,
		Arrival: arrival,
	}, nil
}

// NewDTLS проверяет заголовок DTLS записи. Содержимое записи не разбирается:
// оно передается обработчику DTLS целиком.
func NewDTLS(data []byte, from netip.AddrPort, arrival time.Duration) (*Packet, error) {
	var h recordlayer.Header
	if err := h.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("ошибка разбора заголовка DTLS записи: %w", err)
	}
	return &Packet{
		Kind:    KindDTLS,
		DTLS:    &h,
		Raw:     data,
		From:    from,
		Arrival: arrival,
	}, nil
}

// Version версия RTP
func (p *Packet) Version() uint8 {
	return p.Header.Version
}

// PayloadType тип нагрузки RTP
func (p *Packet) PayloadType() uint8 {
	return p.Header.PayloadType
}

// SequenceNumber порядковый номер RTP
func (p *Packet) SequenceNumber() uint16 {
	return p.Header.SequenceNumber
}

// Timestamp RTP метка времени
func (p *Packet) Timestamp() uint32 {
	return p.Header.Timestamp
}

// SSRC идентификатор источника синхронизации
func (p *Packet) SSRC() uint32 {
	return p.Header.SSRC
}

// Marker бит маркера RTP
func (p *Packet) Marker() bool {
	return p.Header.Marker
}

// Size размер датаграммы в байтах
func (p *Packet) Size() int {
	return len(p.Raw)
}
