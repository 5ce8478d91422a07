// Package dtmf разбирает и формирует события telephone-event (RFC 4733, ранее RFC 2833).
package dtmf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PayloadSize размер нагрузки telephone-event
const PayloadSize = 4

// ErrShortPayload нагрузка короче 4 байт
var ErrShortPayload = errors.New("некорректный размер DTMF нагрузки")

// Digit код события DTMF (0-15)
type Digit uint8

const (
	Digit0 Digit = iota
	Digit1
	Digit2
	Digit3
	Digit4
	Digit5
	Digit6
	Digit7
	Digit8
	Digit9
	DigitStar
	DigitPound
	DigitA
	DigitB
	DigitC
	DigitD
)

const symbols = "0123456789*#ABCD"

func (d Digit) String() string {
	if int(d) < len(symbols) {
		return symbols[d : d+1]
	}
	return "?"
}

// Valid проверяет, что код соответствует одной из 16 клавиш
func (d Digit) Valid() bool {
	return int(d) < len(symbols)
}

// ParseDigits преобразует строку в последовательность цифр
func ParseDigits(s string) ([]Digit, error) {
	digits := make([]Digit, 0, len(s))
	for _, r := range strings.ToUpper(s) {
		i := strings.IndexRune(symbols, r)
		if i < 0 {
			return nil, fmt.Errorf("недопустимый DTMF символ: %c", r)
		}
		digits = append(digits, Digit(i))
	}
	return digits, nil
}

// Payload нагрузка telephone-event
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type Payload struct {
	Event    uint8
	End      bool
	Volume   uint8  // 0-63, в -dBm0
	Duration uint16 // В единицах RTP метки времени
}

// Marshal сериализует нагрузку
func (p Payload) Marshal() []byte {
	data := make([]byte, PayloadSize)
	data[0] = p.Event
	data[1] = p.Volume & 0x3F
	if p.End {
		data[1] |= 0x80
	}
	binary.BigEndian.PutUint16(data[2:], p.Duration)
	return data
}

// Unmarshal разбирает нагрузку
func (p *Payload) Unmarshal(data []byte) error {
	if len(data) < PayloadSize {
		return fmt.Errorf("%w: %d", ErrShortPayload, len(data))
	}
	p.Event = data[0]
	p.End = data[1]&0x80 != 0
	p.Volume = data[1] & 0x3F
	p.Duration = binary.BigEndian.Uint16(data[2:])
	return nil
}

// Event событие DTMF
type Event struct {
	Digit     Digit
	Duration  time.Duration
	Volume    int8   // От 0 до -63 dBm0
	Timestamp uint32 // RTP метка времени начала события
	End       bool
}
