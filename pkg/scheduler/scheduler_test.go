package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arzzra/media_gateway/pkg/clock"
	"github.com/arzzra/media_gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, clk clock.Clock) *Scheduler {
	t.Helper()
	s, err := New(Config{Workers: 2, Tick: time.Millisecond}, clk, WithLogger(logger.Discard()))
	require.NoError(t, err)
	return s
}

// recorder записывает порядок выполнения задач
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) task(name string, result time.Duration, err error) *Task {
	return NewTask(name, func() (time.Duration, error) {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		return result, err
	})
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Workers: 0, Tick: time.Millisecond}.Validate())
	assert.Error(t, Config{Workers: 1, Tick: 0}.Validate())

	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err, "планировщик без часов создаваться не должен")
}

func TestPriorityOrder(t *testing.T) {
	s := newTestScheduler(t, clock.NewManual(0))
	rec := &recorder{}

	s.Submit(rec.task("output", Done, nil), ClassOutput)
	s.Submit(rec.task("heartbeat", Done, nil), ClassHeartbeat)
	s.Submit(rec.task("input", Done, nil), ClassInput)
	s.Submit(rec.task("io", Done, nil), ClassIO)
	s.Submit(rec.task("dtmf", Done, nil), ClassDTMF)

	assert.Equal(t, 5, s.RunPending())
	assert.Equal(t, []string{"io", "input", "dtmf", "output", "heartbeat"}, rec.snapshot())
}

func TestFIFOWithinClass(t *testing.T) {
	s := newTestScheduler(t, clock.NewManual(0))
	rec := &recorder{}

	for _, name := range []string{"a", "b", "c", "d"} {
		s.Submit(rec.task(name, Done, nil), ClassInput)
	}
	s.RunPending()

	assert.Equal(t, []string{"a", "b", "c", "d"}, rec.snapshot())
}

func TestDuplicateSubmitIgnored(t *testing.T) {
	s := newTestScheduler(t, clock.NewManual(0))
	rec := &recorder{}

	task := rec.task("once", Done, nil)
	s.Submit(task, ClassInput)
	s.Submit(task, ClassInput)
	s.Submit(task, ClassOutput)

	assert.Equal(t, 1, s.RunPending())
	assert.False(t, task.Queued())
}

func TestRescheduleNextTick(t *testing.T) {
	s := newTestScheduler(t, clock.NewManual(0))

	var runs int32
	task := NewTask("poll", func() (time.Duration, error) {
		atomic.AddInt32(&runs, 1)
		return 0, nil
	})
	s.Submit(task, ClassIO)

	// Перепланированная задача не выполняется повторно в том же такте
	assert.Equal(t, 1, s.RunPending())
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.Equal(t, 1, s.Stats().Deferred)

	for i := 0; i < 3; i++ {
		s.Tick()
		s.RunPending()
	}
	assert.Equal(t, int32(4), atomic.LoadInt32(&runs))
	assert.Equal(t, ClassIO, task.Class())
}

func TestDelayedReschedule(t *testing.T) {
	clk := clock.NewManual(0)
	s := newTestScheduler(t, clk)

	var runs int32
	task := NewTask("timer", func() (time.Duration, error) {
		atomic.AddInt32(&runs, 1)
		return 50 * time.Millisecond, nil
	})
	s.Submit(task, ClassOutput)
	s.RunPending()
	require.Equal(t, int32(1), atomic.LoadInt32(&runs))

	clk.Advance(20 * time.Millisecond)
	s.Tick()
	s.RunPending()
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs), "задержка еще не истекла")

	clk.Advance(30 * time.Millisecond)
	s.Tick()
	s.RunPending()
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))
}

func TestHeartbeatServicedOncePerTick(t *testing.T) {
	s := newTestScheduler(t, clock.NewManual(0))

	var runs int32
	hb := NewTask("heartbeat", func() (time.Duration, error) {
		atomic.AddInt32(&runs, 1)
		return 0, nil
	})
	s.SubmitHeartbeat(hb)

	assert.Equal(t, 0, s.RunPending(), "heartbeat ждет такта")
	assert.Equal(t, 1, s.Stats().Heartbeat)

	for i := 0; i < 5; i++ {
		s.Tick()
		s.RunPending()
		s.RunPending()
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&runs))
	assert.Equal(t, ClassHeartbeat, hb.Class())
}

func TestFailureIsolation(t *testing.T) {
	s := newTestScheduler(t, clock.NewManual(0))
	rec := &recorder{}

	t.Run("Ошибка удаляет задачу", func(t *testing.T) {
		failing := rec.task("failing", 0, errors.New("сбой"))
		s.Submit(failing, ClassInput)
		s.Submit(rec.task("sibling", Done, nil), ClassInput)
		s.RunPending()

		s.Tick()
		assert.Equal(t, 0, s.RunPending(), "задача с ошибкой не перепланируется")
		assert.Equal(t, []string{"failing", "sibling"}, rec.snapshot())
	})

	t.Run("Panic перехватывается", func(t *testing.T) {
		panicking := NewTask("panicking", func() (time.Duration, error) {
			panic("неожиданное состояние")
		})
		after := rec.task("after-panic", Done, nil)

		s.Submit(panicking, ClassIO)
		s.Submit(after, ClassOutput)
		assert.NotPanics(t, func() { s.RunPending() })
		assert.Contains(t, rec.snapshot(), "after-panic")
	})

	assert.Equal(t, uint64(2), s.Stats().Failed)
}

func TestCancel(t *testing.T) {
	s := newTestScheduler(t, clock.NewManual(0))
	rec := &recorder{}

	task := rec.task("cancelled", 0, nil)
	s.Submit(task, ClassInput)
	task.Cancel()
	s.RunPending()

	assert.Empty(t, rec.snapshot())
	assert.Equal(t, uint64(1), s.Stats().Cancelled)

	// Отмена во время работы прекращает перепланирование
	var runs int32
	var self *Task
	self = NewTask("self-cancel", func() (time.Duration, error) {
		atomic.AddInt32(&runs, 1)
		self.Cancel()
		return 0, nil
	})
	s.Submit(self, ClassInput)
	s.RunPending()
	s.Tick()
	s.RunPending()
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	// Отмененную задачу нельзя поставить в очередь
	s.Submit(self, ClassInput)
	assert.Equal(t, 0, s.RunPending())
}

// classObserver записывает классы выполненных задач
type classObserver struct {
	mu       sync.Mutex
	executed []Class
}

func (o *classObserver) TaskExecuted(class Class) {
	o.mu.Lock()
	o.executed = append(o.executed, class)
	o.mu.Unlock()
}

func (o *classObserver) TaskFailed(Class, string) {}

func TestObserverSeesClassOfExecution(t *testing.T) {
	obs := &classObserver{}
	s, err := New(Config{Workers: 1, Tick: time.Millisecond}, clock.NewManual(0),
		WithLogger(logger.Discard()), WithObserver(obs))
	require.NoError(t, err)

	// Во время выполнения задача ставится в очередь другого класса
	var runs int32
	var task *Task
	task = NewTask("moving", func() (time.Duration, error) {
		if atomic.AddInt32(&runs, 1) == 1 {
			s.Submit(task, ClassOutput)
		}
		return Done, nil
	})
	s.Submit(task, ClassInput)

	assert.Equal(t, 2, s.RunPending())
	assert.Equal(t, []Class{ClassInput, ClassOutput}, obs.executed)
	assert.Equal(t, ClassOutput, task.Class())
}

func TestInvalidClassRejected(t *testing.T) {
	s := newTestScheduler(t, clock.NewManual(0))
	rec := &recorder{}

	s.Submit(rec.task("bad", Done, nil), Class(42))
	assert.Equal(t, 0, s.RunPending())
}

func TestWorkersNeverRunTaskConcurrently(t *testing.T) {
	s, err := New(Config{Workers: 4, Tick: time.Millisecond}, clock.NewSystem(), WithLogger(logger.Discard()))
	require.NoError(t, err)

	var (
		active    int32
		maxActive int32
		runs      int32
	)
	done := make(chan struct{})

	task := NewTask("exclusive", func() (time.Duration, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(100 * time.Microsecond)
		atomic.AddInt32(&active, -1)

		if atomic.AddInt32(&runs, 1) == 50 {
			close(done)
			return Done, nil
		}
		return 0, nil
	})

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop() }()

	// Попытки повторной постановки из других горутин не должны приводить к параллельному запуску
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Submit(task, ClassInput)
				time.Sleep(50 * time.Microsecond)
			}
		}()
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("задача не выполнилась нужное количество раз")
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(t, clock.NewSystem())

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "повторный запуск должен возвращать ошибку")

	fired := make(chan struct{})
	var once sync.Once
	s.SubmitHeartbeat(NewTask("hb", func() (time.Duration, error) {
		once.Do(func() { close(fired) })
		return Done, nil
	}))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat задача не выполнена")
	}

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "повторная остановка безопасна")
}
