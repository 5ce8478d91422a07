package gateway

import (
	"errors"
	"fmt"
)

// ErrorCode код ошибки управляющего интерфейса шлюза
type ErrorCode int

const (
	ErrorCodeChannelNotFound ErrorCode = iota + 2000
	ErrorCodeChannelCreateFailed
	ErrorCodeAlreadyBound
	ErrorCodeNotBound
	ErrorCodeBindFailed
	ErrorCodeInvalidFormats
	ErrorCodeInvalidPeer
	ErrorCodeOfferFailed
	ErrorCodeClosed
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeChannelNotFound:
		return "ChannelNotFound"
	case ErrorCodeChannelCreateFailed:
		return "ChannelCreateFailed"
	case ErrorCodeAlreadyBound:
		return "AlreadyBound"
	case ErrorCodeNotBound:
		return "NotBound"
	case ErrorCodeBindFailed:
		return "BindFailed"
	case ErrorCodeInvalidFormats:
		return "InvalidFormats"
	case ErrorCodeInvalidPeer:
		return "InvalidPeer"
	case ErrorCodeOfferFailed:
		return "OfferFailed"
	case ErrorCodeClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Error ошибка операции над каналом.
// Содержит типизированный код, идентификатор канала для сопоставления с
// журналом и исходную ошибку.
type Error struct {
	Code      ErrorCode
	ChannelID string
	Message   string
	Wrapped   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	if e.ChannelID != "" {
		return fmt.Sprintf("[шлюз:%s] канал %s: %s", e.Code, e.ChannelID, msg)
	}
	return fmt.Sprintf("[шлюз:%s] %s", e.Code, msg)
}

// Unwrap возвращает обернутую ошибку
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func newError(code ErrorCode, id, message string, wrapped error) *Error {
	return &Error{Code: code, ChannelID: id, Message: message, Wrapped: wrapped}
}

// CodeOf возвращает код ошибки шлюза или 0, если err не является *Error
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
