package channel

import (
	"time"

	"github.com/arzzra/media_gateway/pkg/scheduler"
	"github.com/tevino/abool"
)

// pipeline повторяющаяся задача обработки входящего потока
type pipeline struct {
	name    string
	class   scheduler.Class
	step    func() bool
	task    *scheduler.Task
	started abool.AtomicBool
}

func newPipeline(name string, class scheduler.Class, step func() bool) *pipeline {
	return &pipeline{name: name, class: class, step: step}
}

// start ставит задачу в очередь. Задача выполняется на каждом такте, пока
// step возвращает true.
func (p *pipeline) start(s *scheduler.Scheduler) {
	if !p.started.SetToIf(false, true) {
		return
	}
	p.task = scheduler.NewTask(p.name, func() (time.Duration, error) {
		if !p.started.IsSet() || !p.step() {
			return scheduler.Done, nil
		}
		return 0, nil
	})
	if p.class == scheduler.ClassHeartbeat {
		s.SubmitHeartbeat(p.task)
		return
	}
	s.Submit(p.task, p.class)
}

func (p *pipeline) stop() {
	if !p.started.SetToIf(true, false) {
		return
	}
	if p.task != nil {
		p.task.Cancel()
	}
}

func (p *pipeline) running() bool {
	return p.started.IsSet()
}
