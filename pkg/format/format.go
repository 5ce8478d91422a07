// Package format описывает согласованные форматы канала: соответствие типа
// нагрузки RTP формату и кодеку.
package format

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Стандартные типы нагрузки (RFC 3551)
const (
	PayloadTypePCMU = 0
	PayloadTypeGSM  = 3
	PayloadTypePCMA = 8
	PayloadTypeG722 = 9
	PayloadTypeG729 = 18

	// PayloadTypeTelephoneEvent динамический тип для RFC 2833, принятый по умолчанию
	PayloadTypeTelephoneEvent = 101
)

// TelephoneEvent имя формата RFC 2833/4733
const TelephoneEvent = "telephone-event"

// DefaultPTime длительность пакета по умолчанию
const DefaultPTime = 20 * time.Millisecond

// Format согласованный формат одного типа нагрузки
type Format struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    int
	PTime       time.Duration
	Fmtp        string
}

// Стандартные форматы
var (
	PCMU = Format{PayloadType: PayloadTypePCMU, Name: "PCMU", ClockRate: 8000, Channels: 1, PTime: DefaultPTime}
	PCMA = Format{PayloadType: PayloadTypePCMA, Name: "PCMA", ClockRate: 8000, Channels: 1, PTime: DefaultPTime}
	GSM  = Format{PayloadType: PayloadTypeGSM, Name: "GSM", ClockRate: 8000, Channels: 1, PTime: DefaultPTime}
	G722 = Format{PayloadType: PayloadTypeG722, Name: "G722", ClockRate: 8000, Channels: 1, PTime: DefaultPTime}
	G729 = Format{PayloadType: PayloadTypeG729, Name: "G729", ClockRate: 8000, Channels: 1, PTime: DefaultPTime}

	DTMF = Format{PayloadType: PayloadTypeTelephoneEvent, Name: TelephoneEvent, ClockRate: 8000, Channels: 1, Fmtp: "0-16"}
)

// IsTelephoneEvent проверяет, является ли формат форматом DTMF событий
func (f Format) IsTelephoneEvent() bool {
	return strings.EqualFold(f.Name, TelephoneEvent)
}

// SamplesPerPacket количество отсчетов в пакете длительности PTime
func (f Format) SamplesPerPacket() uint32 {
	ptime := f.PTime
	if ptime <= 0 {
		ptime = DefaultPTime
	}
	return uint32(int64(f.ClockRate) * int64(ptime) / int64(time.Second))
}

// Duration переводит разницу RTP меток времени в длительность
func (f Format) Duration(ticks int64) time.Duration {
	if f.ClockRate == 0 {
		return 0
	}
	return time.Duration(ticks * int64(time.Second) / int64(f.ClockRate))
}

// Validate проверяет корректность формата
func (f Format) Validate() error {
	if f.PayloadType > 127 {
		return fmt.Errorf("тип нагрузки %d вне диапазона 0-127", f.PayloadType)
	}
	if f.Name == "" {
		return fmt.Errorf("не задано имя формата для типа нагрузки %d", f.PayloadType)
	}
	if f.ClockRate == 0 {
		return fmt.Errorf("не задана частота для формата %s", f.Name)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%d %s/%d", f.PayloadType, f.Name, f.ClockRate)
}

// Map согласованные форматы канала по типу нагрузки
type Map map[uint8]Format

// NewMap строит карту из списка форматов
func NewMap(formats ...Format) Map {
	return lo.SliceToMap(formats, func(f Format) (uint8, Format) {
		return f.PayloadType, f
	})
}

// Lookup ищет формат по типу нагрузки
func (m Map) Lookup(pt uint8) (Format, bool) {
	f, ok := m[pt]
	return f, ok
}

// PayloadTypes возвращает типы нагрузки по возрастанию
func (m Map) PayloadTypes() []uint8 {
	keys := lo.Keys(m)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Ordered возвращает форматы по возрастанию типа нагрузки
func (m Map) Ordered() []Format {
	return lo.Map(m.PayloadTypes(), func(pt uint8, _ int) Format {
		return m[pt]
	})
}

// TelephoneEvent возвращает формат DTMF событий, если он согласован
func (m Map) TelephoneEvent() (Format, bool) {
	return lo.Find(m.Ordered(), func(f Format) bool {
		return f.IsTelephoneEvent()
	})
}

// Clone возвращает копию карты
func (m Map) Clone() Map {
	return lo.Assign(m)
}

// Validate проверяет все форматы и соответствие ключей
func (m Map) Validate() error {
	for pt, f := range m {
		if pt != f.PayloadType {
			return fmt.Errorf("ключ %d не совпадает с типом нагрузки формата %s", pt, f)
		}
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}
