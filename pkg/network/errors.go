package network

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	// ErrPortRangeExhausted все попытки привязки к порту из диапазона исчерпаны
	ErrPortRangeExhausted = errors.New("диапазон портов исчерпан")

	// ErrHandleClosed операция над закрытым сокетом
	ErrHandleClosed = errors.New("сокет закрыт")

	// ErrWouldBlock в сокете нет данных для чтения
	ErrWouldBlock = errors.New("нет данных для чтения")

	// ErrInvalidAttachment обработчик сокета не задан или не соответствует типу
	ErrInvalidAttachment = errors.New("неверный обработчик сокета")

	// ErrWriteQueueFull очередь отложенной отправки переполнена
	ErrWriteQueueFull = errors.New("очередь отправки переполнена")
)

// NetworkErrorType определяет типы сетевых ошибок
type NetworkErrorType int

const (
	ErrorTypeTemporary  NetworkErrorType = iota // Временная ошибка (повтор возможен)
	ErrorTypePermanent                          // Постоянная ошибка
	ErrorTypeAddress                            // Адрес занят или недоступен
	ErrorTypeConnection                         // Проблемы соединения (ICMP unreachable)
	ErrorTypeResource                           // Исчерпаны ресурсы ОС (дескрипторы, память)
	ErrorTypeUnknown                            // Неклассифицированная ошибка
)

func (t NetworkErrorType) String() string {
	switch t {
	case ErrorTypeTemporary:
		return "temporary"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeAddress:
		return "address"
	case ErrorTypeConnection:
		return "connection"
	case ErrorTypeResource:
		return "resource"
	default:
		return "unknown"
	}
}

// ClassifiedError обертка для сетевых ошибок с дополнительной информацией
type ClassifiedError struct {
	Type      NetworkErrorType
	Operation string
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s (type: %s, retryable: %t)",
		e.Operation, e.Err.Error(), e.Type, e.Retryable)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// classifyError анализирует ошибку системного вызова
func classifyError(operation string, err error) error {
	if err == nil {
		return nil
	}

	classified := &ClassifiedError{
		Operation: operation,
		Err:       err,
		Type:      ErrorTypeUnknown,
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.EAGAIN, unix.EINTR, unix.ENOBUFS:
			classified.Type = ErrorTypeTemporary
			classified.Retryable = true
		case unix.EADDRINUSE, unix.EADDRNOTAVAIL:
			classified.Type = ErrorTypeAddress
			classified.Retryable = errno == unix.EADDRINUSE
		case unix.ECONNREFUSED, unix.EHOSTUNREACH, unix.ENETUNREACH:
			classified.Type = ErrorTypeConnection
			classified.Retryable = true
		case unix.EMFILE, unix.ENFILE, unix.ENOMEM:
			classified.Type = ErrorTypeResource
		case unix.EBADF, unix.EINVAL, unix.EACCES, unix.EPERM, unix.EAFNOSUPPORT:
			classified.Type = ErrorTypePermanent
		}
		return classified
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		classified.Type = ErrorTypeTemporary
		classified.Retryable = true
		return classified
	}

	if isConnectionError(err) {
		classified.Type = ErrorTypeConnection
		classified.Retryable = true
	}
	return classified
}

// isConnectionError проверяет является ли ошибка связанной с соединением
func isConnectionError(err error) bool {
	errStr := err.Error()
	for _, s := range []string{
		"connection refused",
		"network is unreachable",
		"host is unreachable",
		"no route to host",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// isWouldBlock проверяет, что неблокирующая операция не может быть выполнена сейчас
func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
