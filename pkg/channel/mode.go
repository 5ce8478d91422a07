package channel

import (
	"fmt"
	"strings"
)

// ConnectionMode режим соединения, задаваемый управляющим протоколом (MGCP)
type ConnectionMode int

const (
	ModeInactive ConnectionMode = iota
	ModeSendOnly
	ModeRecvOnly
	ModeSendRecv
	ModeConference
	ModeNetworkLoopback
	ModeLoopback
	ModeContinuityTest
	ModeNetworkContinuityTest
)

// Modes все режимы соединения
var Modes = []ConnectionMode{
	ModeInactive,
	ModeSendOnly,
	ModeRecvOnly,
	ModeSendRecv,
	ModeConference,
	ModeNetworkLoopback,
	ModeLoopback,
	ModeContinuityTest,
	ModeNetworkContinuityTest,
}

// Имена режимов в нотации MGCP (RFC 3435)
var modeNames = map[ConnectionMode]string{
	ModeInactive:              "inactive",
	ModeSendOnly:              "sendonly",
	ModeRecvOnly:              "recvonly",
	ModeSendRecv:              "sendrecv",
	ModeConference:            "confrnce",
	ModeNetworkLoopback:       "netwloop",
	ModeLoopback:              "loopback",
	ModeContinuityTest:        "conttest",
	ModeNetworkContinuityTest: "netwtest",
}

func (m ConnectionMode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode разбирает имя режима MGCP
func ParseMode(s string) (ConnectionMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for mode, name := range modeNames {
		if name == s {
			return mode, nil
		}
	}
	return ModeInactive, fmt.Errorf("неизвестный режим соединения: %q", s)
}

// Receivable канал принимает RTP и передает его в jitter buffer или DTMF
func (m ConnectionMode) Receivable() bool {
	switch m {
	case ModeRecvOnly, ModeSendRecv, ModeConference:
		return true
	default:
		return false
	}
}

// Loopable канал возвращает принятые пакеты отправителю
func (m ConnectionMode) Loopable() bool {
	return m == ModeNetworkLoopback
}

// Sendable канал отправляет исходящий поток
func (m ConnectionMode) Sendable() bool {
	switch m {
	case ModeSendOnly, ModeSendRecv, ModeConference:
		return true
	default:
		return false
	}
}
