package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/tevino/abool"
)

// Done возвращается из Func, когда задача завершена и не должна
// повторно ставиться в очередь
const Done time.Duration = -1

// Func выполняет одну порцию работы задачи.
// Возвращаемая задержка определяет повторное планирование:
//   - Done (отрицательное значение) - задача завершена
//   - 0 - повторить на следующем такте планировщика
//   - > 0 - повторить не раньше чем через указанное время
//
// Func не должна блокироваться: блокирующий вызов останавливает рабочий
// цикл и все задачи, которые он обслуживает.
type Func func() (time.Duration, error)

// Task единица работы планировщика.
// Задача принадлежит очереди планировщика с момента Submit до выполнения или отмены.
type Task struct {
	name    string
	perform Func
	class   atomic.Int32 // Класс последней постановки в очередь

	queued    abool.AtomicBool
	running   abool.AtomicBool
	cancelled abool.AtomicBool
}

// NewTask создает задачу с именем для диагностики
func NewTask(name string, perform Func) *Task {
	return &Task{
		name:    name,
		perform: perform,
	}
}

// Name возвращает имя задачи
func (t *Task) Name() string {
	return t.name
}

// Class возвращает класс очереди, в которую задача была поставлена последний раз
func (t *Task) Class() Class {
	return Class(t.class.Load())
}

func (t *Task) setClass(c Class) {
	t.class.Store(int32(c))
}

// Cancel отменяет задачу. Уже выполняющаяся порция работы доводится до конца,
// после чего задача больше не планируется.
func (t *Task) Cancel() {
	t.cancelled.Set()
}

// Cancelled проверяет, отменена ли задача
func (t *Task) Cancelled() bool {
	return t.cancelled.IsSet()
}

// Queued проверяет, находится ли задача в одной из очередей планировщика
func (t *Task) Queued() bool {
	return t.queued.IsSet()
}
