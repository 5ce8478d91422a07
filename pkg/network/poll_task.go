package network

import (
	"errors"
	"sync"
	"time"

	"github.com/arzzra/media_gateway/pkg/scheduler"
	"github.com/sirupsen/logrus"
)

// readiness готовность одного сокета, полученная от селектора
type readiness struct {
	handle   *Handle
	readable bool
	writable bool
}

// selector контекст готовности ОС (epoll, poll)
type selector interface {
	add(h *Handle) error
	remove(h *Handle) error
	// setWritable включает или выключает ожидание готовности к записи
	setWritable(h *Handle, on bool) error
	// poll опрашивает готовность без ожидания
	poll(ready []readiness) ([]readiness, error)
	close() error
}

// pollContext контекст опроса: селектор и обслуживающая его задача
type pollContext struct {
	id   int
	sel  selector
	task *scheduler.Task
	log  *logrus.Entry
	obs  Observer

	// forget удаляет сокет из таблицы мультиплексора
	forget func(h *Handle)

	// run сериализует опрос и остановку
	run   sync.Mutex
	buf   []byte
	ready []readiness

	mu      sync.Mutex
	retired []*Handle
	count   int
}

func newPollContext(id int, sel selector, bufferSize int, obs Observer, log *logrus.Entry, forget func(h *Handle)) *pollContext {
	pc := &pollContext{
		id:     id,
		sel:    sel,
		log:    log.WithField("selector", id),
		obs:    obs,
		forget: forget,
		buf:    make([]byte, bufferSize),
	}
	pc.task = scheduler.NewTask("poll", pc.perform)
	return pc
}

func (pc *pollContext) register(h *Handle) error {
	if err := pc.sel.add(h); err != nil {
		return err
	}
	h.poller = pc

	pc.mu.Lock()
	pc.count++
	pc.mu.Unlock()
	return nil
}

func (pc *pollContext) size() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.count
}

// retire ставит закрытый сокет на освобождение в следующем опросе
func (pc *pollContext) retire(h *Handle) {
	pc.mu.Lock()
	pc.retired = append(pc.retired, h)
	pc.mu.Unlock()
}

func (pc *pollContext) watchWrite(h *Handle, on bool) {
	if err := pc.sel.setWritable(h, on); err != nil {
		pc.log.WithError(err).Debug("Не удалось изменить ожидание записи")
	}
}

// perform одна итерация опроса. Ошибки ввода-вывода не выходят за пределы
// задачи: они логируются и считаются отсутствием работы.
func (pc *pollContext) perform() (time.Duration, error) {
	pc.run.Lock()
	defer pc.run.Unlock()

	pc.releaseRetired()

	ready, err := pc.sel.poll(pc.ready[:0])
	if err != nil {
		pc.log.WithError(err).Warn("Ошибка опроса готовности сокетов")
		pc.countError("poll")
		return 0, nil
	}
	pc.ready = ready

	for i := range ready {
		r := ready[i]
		h := r.handle
		ready[i].handle = nil

		if h.Closed() {
			pc.release(h)
			continue
		}
		if r.readable {
			pc.receive(h)
		}
		if r.writable && h.WritePending() {
			pc.send(h)
		}
	}
	return 0, nil
}

// receive путь чтения: ровно одна датаграмма за итерацию
func (pc *pollContext) receive(h *Handle) {
	switch h.attachment.Kind {
	case KindProtocolHandler:
		h.attachment.Protocol.Receive(h)

	case KindMultiplexer:
		n, from, err := h.ReadFrom(pc.buf)
		if err != nil {
			if !errors.Is(err, ErrWouldBlock) {
				pc.log.WithError(err).Debug("Ошибка чтения датаграммы")
				pc.countError("read")
			}
			return
		}
		data := make([]byte, n)
		copy(data, pc.buf[:n])
		h.attachment.Datagram.Dispatch(data, from)
	}
}

// send путь записи, только для сокетов с отложенными данными
func (pc *pollContext) send(h *Handle) {
	switch h.attachment.Kind {
	case KindProtocolHandler:
		h.attachment.Protocol.Send(h)

	case KindMultiplexer:
		if _, err := h.Flush(); err != nil && !errors.Is(err, ErrHandleClosed) {
			pc.log.WithError(err).Debug("Ошибка отправки отложенных датаграмм")
			pc.countError("write")
		}
	}
}

func (pc *pollContext) releaseRetired() {
	pc.mu.Lock()
	retired := pc.retired
	pc.retired = nil
	pc.mu.Unlock()

	for _, h := range retired {
		pc.release(h)
	}
}

// release снимает сокет с селектора, закрывает дескриптор и уведомляет обработчик
func (pc *pollContext) release(h *Handle) {
	if h.finalized.IsSet() {
		return
	}
	if err := pc.sel.remove(h); err != nil {
		pc.log.WithError(err).Debug("Не удалось снять сокет с селектора")
	}
	if !h.finalize() {
		return
	}

	pc.mu.Lock()
	pc.count--
	pc.mu.Unlock()

	if pc.forget != nil {
		pc.forget(h)
	}
	if pc.obs != nil {
		pc.obs.HandleClosed()
	}

	switch h.attachment.Kind {
	case KindProtocolHandler:
		h.attachment.Protocol.OnClosed(h)
	case KindMultiplexer:
		h.attachment.Datagram.OnClosed()
	}
}

// shutdown закрывает все сокеты контекста и сам селектор
func (pc *pollContext) shutdown(handles []*Handle) {
	pc.task.Cancel()

	pc.run.Lock()
	defer pc.run.Unlock()

	pc.releaseRetired()
	for _, h := range handles {
		h.Close()
	}
	pc.releaseRetired()

	if err := pc.sel.close(); err != nil {
		pc.log.WithError(err).Warn("Ошибка закрытия селектора")
	}
}

func (pc *pollContext) countError(op string) {
	if pc.obs != nil {
		pc.obs.IOError(op)
	}
}
