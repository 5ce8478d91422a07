// Package icelite отвечает на STUN Binding запросы (ICE-lite) на сокете канала
// и на отдельном порту.
package icelite

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/arzzra/media_gateway/pkg/packet"
	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// ErrUnauthorized запрос не прошел проверку USERNAME или MESSAGE-INTEGRITY
var ErrUnauthorized = errors.New("STUN запрос не авторизован")

// DefaultSoftware значение атрибута SOFTWARE
const DefaultSoftware = "media_gateway"

// Config параметры ответчика
type Config struct {
	// Username локальный ufrag. Пустое значение отключает проверку USERNAME.
	Username string
	// Password пароль краткосрочных учетных данных. Пустое значение
	// отключает MESSAGE-INTEGRITY.
	Password string
	Software string
}

// Sender отправка ответа. *network.Handle удовлетворяет интерфейсу.
type Sender interface {
	Write(data []byte, to netip.AddrPort) error
}

// Statistics счетчики ответчика
type Statistics struct {
	Requests  uint64
	Responses uint64
	Rejected  uint64
	Ignored   uint64
}

// Responder отвечает на Binding запросы
type Responder struct {
	config Config
	log    *logrus.Entry
	sender atomic.Pointer[senderBox]

	requests, responses atomic.Uint64
	rejected, ignored   atomic.Uint64
}

type senderBox struct {
	s Sender
}

// Option дополнительная настройка ответчика
type Option func(*Responder)

// WithLogger задает logger
func WithLogger(entry *logrus.Entry) Option {
	return func(r *Responder) {
		r.log = entry
	}
}

// NewResponder создает ответчик
func NewResponder(config Config, opts ...Option) *Responder {
	if config.Software == "" {
		config.Software = DefaultSoftware
	}
	r := &Responder{
		config: config,
		log:    logrus.WithField("component", "icelite"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach задает канал отправки ответов
func (r *Responder) Attach(s Sender) {
	r.sender.Store(&senderBox{s: s})
}

// Handle обрабатывает STUN пакет от демультиплексора
func (r *Responder) Handle(p *packet.Packet) {
	box := r.sender.Load()
	if box == nil || box.s == nil {
		r.ignored.Add(1)
		return
	}
	r.reply(box.s, p.STUN, p.From)
}

// Respond строит ответ на запрос. Для сообщений, отличных от Binding запроса,
// возвращает nil без ошибки. При неуспешной авторизации возвращает ответ
// об ошибке 401 вместе с ErrUnauthorized.
func (r *Responder) Respond(req *stun.Message, from netip.AddrPort) (*stun.Message, error) {
	if req == nil || req.Type != stun.BindingRequest {
		return nil, nil
	}

	if err := r.authorize(req); err != nil {
		resp, buildErr := stun.Build(
			stun.NewTransactionIDSetter(req.TransactionID),
			stun.BindingError,
			&stun.ErrorCodeAttribute{Code: stun.CodeUnauthorized, Reason: []byte("Unauthorized")},
			stun.NewSoftware(r.config.Software),
			stun.Fingerprint,
		)
		if buildErr != nil {
			return nil, fmt.Errorf("ошибка сборки STUN ответа: %w", buildErr)
		}
		return resp, err
	}

	setters := []stun.Setter{
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: net.IP(from.Addr().Unmap().AsSlice()), Port: int(from.Port())},
		stun.NewSoftware(r.config.Software),
	}
	if r.config.Password != "" {
		setters = append(setters, stun.NewShortTermIntegrity(r.config.Password))
	}
	setters = append(setters, stun.Fingerprint)

	resp, err := stun.Build(setters...)
	if err != nil {
		return nil, fmt.Errorf("ошибка сборки STUN ответа: %w", err)
	}
	return resp, nil
}

// Statistics возвращает счетчики
func (r *Responder) Statistics() Statistics {
	return Statistics{
		Requests:  r.requests.Load(),
		Responses: r.responses.Load(),
		Rejected:  r.rejected.Load(),
		Ignored:   r.ignored.Load(),
	}
}

func (r *Responder) reply(s Sender, req *stun.Message, from netip.AddrPort) {
	resp, err := r.Respond(req, from)
	if resp == nil && err == nil {
		r.ignored.Add(1)
		return
	}
	r.requests.Add(1)

	if err != nil {
		r.rejected.Add(1)
		r.log.WithFields(logrus.Fields{
			"from":  from.String(),
			"error": err,
		}).Debug("STUN запрос отклонен")
		if resp == nil {
			return
		}
	}

	if err := s.Write(resp.Raw, from); err != nil {
		r.log.WithFields(logrus.Fields{
			"from":  from.String(),
			"error": err,
		}).Warn("Ошибка отправки STUN ответа")
		return
	}
	r.responses.Add(1)
}

func (r *Responder) authorize(req *stun.Message) error {
	if req.Contains(stun.AttrFingerprint) {
		if err := stun.Fingerprint.Check(req); err != nil {
			return fmt.Errorf("%w: неверный FINGERPRINT", ErrUnauthorized)
		}
	}

	if r.config.Username != "" {
		var username stun.Username
		if err := username.GetFrom(req); err != nil {
			return fmt.Errorf("%w: нет USERNAME", ErrUnauthorized)
		}
		if !strings.HasPrefix(username.String(), r.config.Username+":") {
			return fmt.Errorf("%w: чужой USERNAME %q", ErrUnauthorized, username.String())
		}
	}

	if r.config.Password != "" {
		if err := stun.NewShortTermIntegrity(r.config.Password).Check(req); err != nil {
			return fmt.Errorf("%w: неверный MESSAGE-INTEGRITY", ErrUnauthorized)
		}
	}
	return nil
}
