package scheduler

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/gammazero/deque"
)

// Class класс очереди задач. Классы обслуживаются в фиксированном порядке
// приоритета: чем меньше значение, тем выше приоритет.
type Class int

const (
	ClassIO        Class = iota // Опрос сокетов (PollTask)
	ClassInput                  // Обработка входящих пакетов, чтение jitter buffer
	ClassDTMF                   // Обработка DTMF событий
	ClassOutput                 // Исходящие пакеты
	ClassHeartbeat              // Таймеры (контроль неактивности)

	numClasses
)

func (c Class) String() string {
	switch c {
	case ClassIO:
		return "io"
	case ClassInput:
		return "input"
	case ClassDTMF:
		return "dtmf"
	case ClassOutput:
		return "output"
	case ClassHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

func (c Class) valid() bool {
	return c >= ClassIO && c < numClasses
}

// readyQueues набор FIFO очередей, по одной на класс
type readyQueues [numClasses]*deque.Deque[*Task]

func newReadyQueues() readyQueues {
	var q readyQueues
	for i := range q {
		q[i] = deque.New[*Task]()
	}
	return q
}

// pop извлекает голову самой приоритетной непустой очереди
func (q *readyQueues) pop() *Task {
	for _, d := range q {
		if d.Len() > 0 {
			return d.PopFront()
		}
	}
	return nil
}

func (q *readyQueues) len() int {
	n := 0
	for _, d := range q {
		n += d.Len()
	}
	return n
}

// delayedTask задача, ожидающая истечения задержки
type delayedTask struct {
	due  time.Duration
	seq  uint64
	task *Task
}

// delayedHeap min-heap по времени срабатывания, при равенстве - по порядку постановки
type delayedHeap []delayedTask

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if h[i].due == h[j].due {
		return h[i].seq < h[j].seq
	}
	return h[i].due < h[j].due
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x interface{}) {
	*h = append(*h, x.(delayedTask))
}

func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = delayedTask{}
	*h = old[:n-1]
	return item
}

// popDue извлекает все задачи со сроком не позже now
func (h *delayedHeap) popDue(now time.Duration) []*Task {
	var due []*Task
	for h.Len() > 0 && (*h)[0].due <= now {
		item := heap.Pop(h).(delayedTask)
		due = append(due, item.task)
	}
	return due
}
