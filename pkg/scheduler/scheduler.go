// Package scheduler реализует кооперативный планировщик задач реального времени.
//
// Планировщик выполняет произвольно большое число коротких задач на небольшом
// фиксированном пуле рабочих циклов. Задачи не имеют собственных горутин:
// опрос сокетов, обработка пакетов, таймеры - все выполняется как Task.
//
// Основные правила:
//   - Задачи обслуживаются в порядке приоритета классов (ClassIO первым), FIFO внутри класса
//   - Задача никогда не выполняется одновременно в двух рабочих циклах
//   - Повторное планирование (результат 0) переносит задачу на следующий такт
//   - Ошибка или panic внутри задачи логируется, задача удаляется, рабочий цикл продолжает работу
//
// ВАЖНО: задача не должна выполнять блокирующие вызовы. Заблокированная задача
// останавливает свой рабочий цикл и все задачи, которые он обслуживает.
// Таймеры реализуются задачами, которые сравнивают clock.Now() с порогом на каждом такте.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/media_gateway/pkg/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tevino/abool"
	"golang.org/x/sync/errgroup"
)

// Config конфигурация планировщика
type Config struct {
	Workers int           // Количество рабочих циклов
	Tick    time.Duration // Период такта планировщика
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Workers: runtime.NumCPU(),
		Tick:    10 * time.Millisecond,
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("количество рабочих циклов должно быть положительным: %d", c.Workers)
	}
	if c.Tick <= 0 {
		return fmt.Errorf("период такта должен быть положительным: %v", c.Tick)
	}
	return nil
}

// Observer получает уведомления о выполнении задач (метрики)
type Observer interface {
	TaskExecuted(class Class)
	TaskFailed(class Class, name string)
}

// Stats статистика планировщика
type Stats struct {
	Executed  uint64 // Выполнено порций работы
	Failed    uint64 // Задач удалено из-за ошибки или panic
	Cancelled uint64 // Отмененных задач удалено из очередей
	Ready     int    // Задач в очередях готовности
	Deferred  int    // Задач, ожидающих следующего такта или задержки
	Heartbeat int    // Задач в очереди heartbeat
}

// Scheduler кооперативный планировщик с приоритетными очередями
type Scheduler struct {
	config   Config
	clock    clock.Clock
	log      *logrus.Entry
	observer Observer

	mu         sync.Mutex
	ready      readyQueues
	nextTick   []*Task
	heartbeats []*Task
	delayed    delayedHeap
	delayedSeq uint64

	wake chan struct{}

	executed  uint64
	failed    uint64
	cancelled uint64

	started abool.AtomicBool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Option дополнительная настройка планировщика
type Option func(*Scheduler)

// WithLogger задает logger планировщика
func WithLogger(entry *logrus.Entry) Option {
	return func(s *Scheduler) {
		s.log = entry
	}
}

// WithObserver задает получателя уведомлений о выполнении задач
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observer = o
	}
}

// New создает планировщик. Рабочие циклы запускаются методом Start.
func New(config Config, clk clock.Clock, opts ...Option) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация планировщика: %w", err)
	}
	if clk == nil {
		return nil, fmt.Errorf("источник времени не задан")
	}

	s := &Scheduler{
		config: config,
		clock:  clk,
		log:    logrus.WithField("component", "scheduler"),
		ready:  newReadyQueues(),
		wake:   make(chan struct{}, config.Workers),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Clock возвращает источник времени планировщика
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Submit ставит задачу в очередь указанного класса. Никогда не блокируется,
// безопасен для вызова из любой горутины. Повторная постановка задачи,
// которая уже находится в очереди, игнорируется.
func (s *Scheduler) Submit(task *Task, class Class) {
	if task == nil || task.Cancelled() {
		return
	}
	if !class.valid() {
		s.log.WithFields(logrus.Fields{
			"task":  task.name,
			"class": int(class),
		}).Error("Неизвестный класс очереди, задача отклонена")
		return
	}
	if !task.queued.SetToIf(false, true) {
		return
	}

	s.mu.Lock()
	task.setClass(class)
	s.ready[class].PushBack(task)
	s.mu.Unlock()

	s.signal(1)
}

// SubmitHeartbeat ставит задачу в очередь heartbeat. Очередь обслуживается
// один раз за такт планировщика.
func (s *Scheduler) SubmitHeartbeat(task *Task) {
	if task == nil || task.Cancelled() {
		return
	}
	if !task.queued.SetToIf(false, true) {
		return
	}

	s.mu.Lock()
	task.setClass(ClassHeartbeat)
	s.heartbeats = append(s.heartbeats, task)
	s.mu.Unlock()
}

// Tick выполняет один такт: переносит в очереди готовности задачи,
// перепланированные на следующий такт, задачи с истекшей задержкой и
// задачи heartbeat. Вызывается циклом тактов или напрямую в тестах.
func (s *Scheduler) Tick() {
	now := s.clock.Now()

	s.mu.Lock()
	promoted := len(s.nextTick) + len(s.heartbeats)
	for _, t := range s.nextTick {
		s.ready[t.Class()].PushBack(t)
	}
	s.nextTick = s.nextTick[:0]

	for _, t := range s.delayed.popDue(now) {
		s.ready[t.Class()].PushBack(t)
		promoted++
	}

	for _, t := range s.heartbeats {
		s.ready[ClassHeartbeat].PushBack(t)
	}
	s.heartbeats = s.heartbeats[:0]
	s.mu.Unlock()

	if promoted > 0 {
		s.signal(s.config.Workers)
	}
}

// RunPending выполняет в текущей горутине все задачи из очередей готовности.
// Задачи, перепланированные во время выполнения, ждут следующего Tick,
// поэтому RunPending всегда завершается.
func (s *Scheduler) RunPending() int {
	n := 0
	for t := s.pop(); t != nil; t = s.pop() {
		s.execute(t)
		n++
	}
	return n
}

// Start запускает рабочие циклы и цикл тактов
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.SetToIf(false, true) {
		return fmt.Errorf("планировщик уже запущен")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group = g

	for i := 0; i < s.config.Workers; i++ {
		g.Go(func() error {
			s.workerLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		s.tickLoop(gctx)
		return nil
	})

	s.log.WithFields(logrus.Fields{
		"workers": s.config.Workers,
		"tick":    s.config.Tick,
	}).Info("Планировщик запущен")
	return nil
}

// Stop останавливает рабочие циклы и ждет их завершения.
// Задачи, оставшиеся в очередях, не выполняются.
func (s *Scheduler) Stop() error {
	if !s.started.SetToIf(true, false) {
		return nil
	}

	s.cancel()
	err := s.group.Wait()

	s.mu.Lock()
	for t := s.ready.pop(); t != nil; t = s.ready.pop() {
		t.queued.UnSet()
	}
	for _, t := range append(s.nextTick, s.heartbeats...) {
		t.queued.UnSet()
	}
	for _, d := range s.delayed {
		d.task.queued.UnSet()
	}
	s.nextTick = nil
	s.heartbeats = nil
	s.delayed = nil
	s.mu.Unlock()

	s.log.Info("Планировщик остановлен")
	return err
}

// Stats возвращает статистику планировщика
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	ready := s.ready.len()
	deferred := len(s.nextTick) + s.delayed.Len()
	hb := len(s.heartbeats)
	s.mu.Unlock()

	return Stats{
		Executed:  atomic.LoadUint64(&s.executed),
		Failed:    atomic.LoadUint64(&s.failed),
		Cancelled: atomic.LoadUint64(&s.cancelled),
		Ready:     ready,
		Deferred:  deferred,
		Heartbeat: hb,
	}
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	for {
		if t := s.pop(); t != nil {
			s.execute(t)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// signal будит до n рабочих циклов
func (s *Scheduler) signal(n int) {
	for i := 0; i < n; i++ {
		select {
		case s.wake <- struct{}{}:
		default:
			return
		}
	}
}

func (s *Scheduler) pop() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.pop()
}

// execute выполняет одну порцию работы задачи и перепланирует ее
func (s *Scheduler) execute(t *Task) {
	if t.Cancelled() {
		t.queued.UnSet()
		atomic.AddUint64(&s.cancelled, 1)
		return
	}

	// Задача уже выполняется в другом цикле - переносим на следующий такт
	if !t.running.SetToIf(false, true) {
		s.mu.Lock()
		s.nextTick = append(s.nextTick, t)
		s.mu.Unlock()
		return
	}
	// Класс фиксируется до снятия признака очереди: после этого Submit из
	// другой горутины может поставить задачу в другой класс
	class := t.Class()
	t.queued.UnSet()

	delay, err := s.perform(t)
	t.running.UnSet()
	atomic.AddUint64(&s.executed, 1)
	if s.observer != nil {
		s.observer.TaskExecuted(class)
	}

	if err != nil {
		atomic.AddUint64(&s.failed, 1)
		if s.observer != nil {
			s.observer.TaskFailed(class, t.name)
		}
		s.log.WithFields(logrus.Fields{
			"task":  t.name,
			"class": class.String(),
			"error": fmt.Sprintf("%+v", err),
		}).Error("Задача завершилась с ошибкой и удалена из очереди")
		return
	}

	if delay < 0 || t.Cancelled() {
		return
	}
	s.reschedule(t, delay)
}

// perform вызывает задачу, перехватывая panic
func (s *Scheduler) perform(t *Task) (delay time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic в задаче %s: %v", t.name, r)
		}
	}()

	if t.perform == nil {
		return Done, errors.Errorf("у задачи %s нет функции выполнения", t.name)
	}
	return t.perform()
}

func (s *Scheduler) reschedule(t *Task, delay time.Duration) {
	// Задача могла быть поставлена в очередь извне во время выполнения
	if !t.queued.SetToIf(false, true) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case delay > 0:
		s.delayedSeq++
		heap.Push(&s.delayed, delayedTask{
			due:  s.clock.Now() + delay,
			seq:  s.delayedSeq,
			task: t,
		})
	case t.Class() == ClassHeartbeat:
		s.heartbeats = append(s.heartbeats, t)
	default:
		s.nextTick = append(s.nextTick, t)
	}
}
