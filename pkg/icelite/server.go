package icelite

import (
	"errors"

	"github.com/arzzra/media_gateway/pkg/network"
	"github.com/arzzra/media_gateway/pkg/packet"
	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// Server обработчик протокола для отдельного STUN порта. Сам читает сокет
// (по одной датаграмме на готовность) и отвечает через тот же сокет.
type Server struct {
	responder *Responder
	buf       []byte
	closed    chan struct{}
}

// NewServer создает STUN сервер поверх ответчика
func NewServer(r *Responder) *Server {
	return &Server{
		responder: r,
		buf:       make([]byte, 1500),
		closed:    make(chan struct{}),
	}
}

// Attachment возвращает вариант подключения к мультиплексору
func (s *Server) Attachment() network.Attachment {
	return network.ProtocolAttachment(s)
}

// Receive читает одну датаграмму и отвечает на Binding запрос
func (s *Server) Receive(h *network.Handle) {
	n, from, err := h.ReadFrom(s.buf)
	if err != nil {
		if !errors.Is(err, network.ErrWouldBlock) {
			s.responder.log.WithError(err).Debug("Ошибка чтения STUN сокета")
		}
		return
	}
	if !stun.IsMessage(s.buf[:n]) {
		s.responder.ignored.Add(1)
		return
	}

	data := make([]byte, n)
	copy(data, s.buf[:n])
	p, err := packet.NewSTUN(data, from, 0)
	if err != nil {
		s.responder.log.WithFields(logrus.Fields{
			"from":  from.String(),
			"error": err,
		}).Debug("Некорректное STUN сообщение")
		s.responder.ignored.Add(1)
		return
	}
	s.responder.reply(h, p.STUN, from)
}

// Send отправляет ответы, отложенные из-за заполненного буфера сокета
func (s *Server) Send(h *network.Handle) {
	if _, err := h.Flush(); err != nil {
		s.responder.log.WithError(err).Debug("Ошибка отправки отложенных STUN ответов")
	}
}

// OnClosed вызывается после закрытия сокета
func (s *Server) OnClosed(h *network.Handle) {
	s.responder.log.WithField("handle", h.ID()).Info("STUN сокет закрыт")
	close(s.closed)
}

// Closed закрывается после закрытия сокета
func (s *Server) Closed() <-chan struct{} {
	return s.closed
}
