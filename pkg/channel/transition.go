package channel

import (
	"github.com/arzzra/media_gateway/pkg/format"
	"github.com/arzzra/media_gateway/pkg/packet"
)

// State состояние канала
type State int

const (
	StateIdle State = iota
	StateActivated
	StateDeactivated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActivated:
		return "activated"
	case StateDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// EventKind вид события канала
type EventKind int

const (
	EventActivate EventKind = iota
	EventDeactivate
	EventModeChanged
	EventFormatChanged
	EventPacketReceived
)

func (k EventKind) String() string {
	switch k {
	case EventActivate:
		return "activate"
	case EventDeactivate:
		return "deactivate"
	case EventModeChanged:
		return "mode_changed"
	case EventFormatChanged:
		return "format_changed"
	case EventPacketReceived:
		return "packet_received"
	default:
		return "unknown"
	}
}

// Event событие канала. Заполняется поле, соответствующее Kind.
type Event struct {
	Kind    EventKind
	Mode    ConnectionMode
	Formats format.Map
	Packet  *packet.Packet
}

// Activate событие активации
func Activate() Event { return Event{Kind: EventActivate} }

// Deactivate событие деактивации
func Deactivate() Event { return Event{Kind: EventDeactivate} }

// ModeChanged событие смены режима
func ModeChanged(m ConnectionMode) Event { return Event{Kind: EventModeChanged, Mode: m} }

// FormatChanged событие смены согласованных форматов
func FormatChanged(f format.Map) Event { return Event{Kind: EventFormatChanged, Formats: f} }

// PacketReceived событие приема RTP пакета
func PacketReceived(p *packet.Packet) Event { return Event{Kind: EventPacketReceived, Packet: p} }

// Context данные канала, от которых зависит переход
type Context struct {
	Mode    ConnectionMode
	Formats format.Map
}

// EffectKind вид действия, которое выполняет канал после перехода
type EffectKind int

const (
	EffectUpdateMode EffectKind = iota
	EffectUpdateFormats
	EffectStartPipelines
	EffectStopPipelines
	EffectResetDTMF
	EffectRestartJitter
	EffectRecordArrival
	EffectWriteJitter
	EffectWriteDTMF
	EffectEcho
	EffectDrop
)

func (k EffectKind) String() string {
	switch k {
	case EffectUpdateMode:
		return "update_mode"
	case EffectUpdateFormats:
		return "update_formats"
	case EffectStartPipelines:
		return "start_pipelines"
	case EffectStopPipelines:
		return "stop_pipelines"
	case EffectResetDTMF:
		return "reset_dtmf"
	case EffectRestartJitter:
		return "restart_jitter"
	case EffectRecordArrival:
		return "record_arrival"
	case EffectWriteJitter:
		return "write_jitter"
	case EffectWriteDTMF:
		return "write_dtmf"
	case EffectEcho:
		return "echo"
	case EffectDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// DropReason причина отбрасывания RTP пакета каналом
type DropReason string

const (
	DropVersion            DropReason = "rtp_version"
	DropNotReceivable      DropReason = "not_receivable"
	DropEmptyPayload       DropReason = "empty_payload"
	DropUnknownPayloadType DropReason = "unknown_payload_type"
)

// Effect действие после перехода
type Effect struct {
	Kind    EffectKind
	Mode    ConnectionMode
	Formats format.Map
	Packet  *packet.Packet
	Format  format.Format
	Reason  DropReason
}

// Result результат перехода
type Result struct {
	State   State
	Effects []Effect
}

// Kinds возвращает виды действий по порядку
func (r Result) Kinds() []EffectKind {
	kinds := make([]EffectKind, len(r.Effects))
	for i, e := range r.Effects {
		kinds[i] = e.Kind
	}
	return kinds
}

// Transition вычисляет новое состояние и действия. Функция не имеет побочных
// эффектов. Событие, для которого в текущем состоянии нет перехода,
// оставляет состояние без изменений и не порождает действий.
func Transition(state State, ev Event, ctx Context) Result {
	unchanged := Result{State: state}

	switch state {
	case StateIdle:
		switch ev.Kind {
		case EventModeChanged:
			return Result{State: StateIdle, Effects: []Effect{{Kind: EffectUpdateMode, Mode: ev.Mode}}}
		case EventFormatChanged:
			return Result{State: StateIdle, Effects: []Effect{{Kind: EffectUpdateFormats, Formats: ev.Formats}}}
		case EventActivate:
			return Result{State: StateActivated, Effects: []Effect{{Kind: EffectStartPipelines}}}
		case EventDeactivate:
			// Ресурсы еще не запускались
			return Result{State: StateDeactivated}
		}

	case StateActivated:
		switch ev.Kind {
		case EventModeChanged:
			return Result{State: StateActivated, Effects: []Effect{{Kind: EffectUpdateMode, Mode: ev.Mode}}}
		case EventFormatChanged:
			return Result{State: StateActivated, Effects: []Effect{{Kind: EffectUpdateFormats, Formats: ev.Formats}}}
		case EventPacketReceived:
			if ev.Packet == nil {
				return unchanged
			}
			return Result{State: StateActivated, Effects: receive(ev.Packet, ctx)}
		case EventDeactivate:
			return Result{State: StateDeactivated, Effects: []Effect{
				{Kind: EffectStopPipelines},
				{Kind: EffectResetDTMF},
				{Kind: EffectRestartJitter},
			}}
		}
	}

	return unchanged
}

// receive обработка принятого RTP пакета в активном канале
func receive(p *packet.Packet, ctx Context) []Effect {
	drop := func(reason DropReason) []Effect {
		return []Effect{{Kind: EffectDrop, Packet: p, Reason: reason}}
	}

	if p.Version() == 0 {
		return drop(DropVersion)
	}

	receivable, loopable := ctx.Mode.Receivable(), ctx.Mode.Loopable()
	if !receivable && !loopable {
		return drop(DropNotReceivable)
	}
	if len(p.Payload) == 0 {
		return drop(DropEmptyPayload)
	}

	effects := []Effect{{Kind: EffectRecordArrival, Packet: p}}

	if receivable {
		f, ok := ctx.Formats.Lookup(p.PayloadType())
		switch {
		case !ok:
			effects = append(effects, Effect{Kind: EffectDrop, Packet: p, Reason: DropUnknownPayloadType})
		case f.IsTelephoneEvent():
			effects = append(effects, Effect{Kind: EffectWriteDTMF, Packet: p, Format: f})
		default:
			effects = append(effects, Effect{Kind: EffectWriteJitter, Packet: p, Format: f})
		}
	}

	if loopable {
		effects = append(effects, Effect{Kind: EffectEcho, Packet: p})
	}
	return effects
}
