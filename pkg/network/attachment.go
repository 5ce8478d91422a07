package network

import "net/netip"

// AttachmentKind вид обработчика, подключенного к сокету
type AttachmentKind int

const (
	// KindProtocolHandler обработчик сам читает сокет и управляет отправкой
	KindProtocolHandler AttachmentKind = iota + 1
	// KindMultiplexer мультиплексор получает уже прочитанную датаграмму
	KindMultiplexer
)

func (k AttachmentKind) String() string {
	switch k {
	case KindProtocolHandler:
		return "protocol-handler"
	case KindMultiplexer:
		return "multiplexer"
	default:
		return "unknown"
	}
}

// ProtocolHandler обработчик, работающий с сокетом напрямую
type ProtocolHandler interface {
	// Receive вызывается, когда сокет готов к чтению
	Receive(h *Handle)
	// Send вызывается, когда у сокета есть отложенные данные и он готов к записи
	Send(h *Handle)
	// OnClosed вызывается один раз после закрытия сокета
	OnClosed(h *Handle)
}

// DatagramHandler получает датаграммы, прочитанные задачей опроса
type DatagramHandler interface {
	// Dispatch получает копию одной датаграммы. Срез принадлежит получателю.
	Dispatch(data []byte, from netip.AddrPort)
	// OnClosed вызывается один раз после закрытия сокета
	OnClosed()
}

// Attachment закрытый вариант обработчика сокета. Используется ровно одно
// поле в соответствии с Kind.
type Attachment struct {
	Kind     AttachmentKind
	Protocol ProtocolHandler
	Datagram DatagramHandler
}

// ProtocolAttachment создает вариант для обработчика протокола
func ProtocolAttachment(h ProtocolHandler) Attachment {
	return Attachment{Kind: KindProtocolHandler, Protocol: h}
}

// MultiplexerAttachment создает вариант для мультиплексора датаграмм
func MultiplexerAttachment(h DatagramHandler) Attachment {
	return Attachment{Kind: KindMultiplexer, Datagram: h}
}

func (a Attachment) valid() bool {
	switch a.Kind {
	case KindProtocolHandler:
		return a.Protocol != nil
	case KindMultiplexer:
		return a.Datagram != nil
	default:
		return false
	}
}
