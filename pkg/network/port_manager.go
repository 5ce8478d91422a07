package network

import (
	"fmt"
	"sync/atomic"
)

// PortManager выдает четные порты из диапазона [lowest, highest] по кругу.
// Экземпляр разделяется всеми каналами одного мультиплексора; занятость
// порта проверяется при привязке, а не здесь.
type PortManager struct {
	lowest  int
	highest int
	count   uint64
	cursor  atomic.Uint64
}

// NewPortManager создает менеджер портов. Границы диапазона приводятся к
// четным значениям внутрь диапазона.
func NewPortManager(lowest, highest int) (*PortManager, error) {
	if lowest <= 0 || highest > 65535 {
		return nil, fmt.Errorf("некорректный диапазон портов: %d-%d", lowest, highest)
	}

	if lowest%2 != 0 {
		lowest++
	}
	if highest%2 != 0 {
		highest--
	}
	if lowest > highest {
		return nil, fmt.Errorf("в диапазоне %d-%d нет четных портов", lowest, highest)
	}

	return &PortManager{
		lowest:  lowest,
		highest: highest,
		count:   uint64((highest-lowest)/2 + 1),
	}, nil
}

// Next возвращает следующий порт и сдвигает курсор
func (pm *PortManager) Next() int {
	idx := pm.cursor.Add(1) - 1
	return pm.portAt(idx)
}

// Peek возвращает порт, который вернет следующий вызов Next
func (pm *PortManager) Peek() int {
	return pm.portAt(pm.cursor.Load())
}

// Lowest нижняя граница диапазона (четная)
func (pm *PortManager) Lowest() int {
	return pm.lowest
}

// Highest верхняя граница диапазона (четная)
func (pm *PortManager) Highest() int {
	return pm.highest
}

// Size количество портов в диапазоне
func (pm *PortManager) Size() int {
	return int(pm.count)
}

func (pm *PortManager) portAt(idx uint64) int {
	return pm.lowest + 2*int(idx%pm.count)
}
