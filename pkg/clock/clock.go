// Package clock предоставляет монотонный источник времени для всех компонентов
// медиа шлюза: планировщика, jitter buffer, таймеров неактивности каналов.
//
// Время выражается как time.Duration от произвольной точки отсчета. Значения
// монотонно не убывают и не обязаны совпадать с wall-clock временем.
package clock

import (
	"sync"
	"time"
)

// Clock источник монотонного времени.
// Реализации взаимозаменяемы: остальные компоненты зависят только от интерфейса.
type Clock interface {
	// Now возвращает текущее монотонное время
	Now() time.Duration
}

// System реализует Clock поверх монотонных часов ОС
type System struct {
	start time.Time
}

// NewSystem создает системные часы с точкой отсчета в момент создания
func NewSystem() *System {
	return &System{start: time.Now()}
}

// Now возвращает время, прошедшее с момента создания часов.
// time.Since использует монотонную составляющую time.Time.
func (s *System) Now() time.Duration {
	return time.Since(s.start)
}

// Manual детерминированные часы для тестов.
// Время меняется только явными вызовами Advance и Set.
type Manual struct {
	mu  sync.RWMutex
	now time.Duration
}

// NewManual создает ручные часы с начальным значением
func NewManual(initial time.Duration) *Manual {
	return &Manual{now: initial}
}

// Now возвращает текущее значение часов
func (m *Manual) Now() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Advance сдвигает часы вперед. Отрицательный сдвиг игнорируется.
func (m *Manual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.now += d
	m.mu.Unlock()
}

// Set устанавливает часы в указанное значение, если оно не меньше текущего
func (m *Manual) Set(t time.Duration) {
	m.mu.Lock()
	if t > m.now {
		m.now = t
	}
	m.mu.Unlock()
}
