package network

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	// DefaultBufferSize размер датаграммы по умолчанию (MTU Ethernet)
	DefaultBufferSize = 1500

	// VoiceOptimizedRecvBuffer размер буфера получения ядра для голоса
	VoiceOptimizedRecvBuffer = 65535

	// VoiceOptimizedSendBuffer размер буфера отправки ядра для голоса
	VoiceOptimizedSendBuffer = 65535

	// DSCP значения для QoS классификации трафика согласно RFC 4594
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPAssuredForwarding   = 34 // AF41 для видео
	DSCPBestEffort          = 0
)

// SocketOptions настройки сокетов для медиа трафика
type SocketOptions struct {
	BufferSize   int    // Ожидаемый размер датаграммы
	DSCP         int    // DSCP маркировка (0 - не устанавливать)
	ReusePort    bool   // SO_REUSEPORT
	BindToDevice string // Привязка к интерфейсу (только Linux)
}

// Validate проверяет корректность настроек сокета
func (o SocketOptions) Validate() error {
	if o.BufferSize < 0 {
		return fmt.Errorf("размер буфера не может быть отрицательным")
	}
	if o.DSCP < 0 || o.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63")
	}
	return nil
}

// applySocketOptions применяет настройки к неблокирующему сокету до привязки
func applySocketOptions(fd, family int, opts SocketOptions) error {
	if err := setSockOptBuffers(fd, opts.BufferSize); err != nil {
		return fmt.Errorf("ошибка установки буферов: %w", err)
	}

	// Ошибки DSCP и приоритета не критичны: в контейнерах они часто запрещены
	if opts.DSCP > 0 {
		setSockOptDSCP(fd, family, opts.DSCP)
	}
	setSockOptVoicePriority(fd)

	if opts.ReusePort {
		if err := setSockOptReusePort(fd); err != nil {
			return fmt.Errorf("ошибка установки SO_REUSEPORT: %w", err)
		}
	}

	if opts.BindToDevice != "" {
		if err := setSockOptBindToDevice(fd, opts.BindToDevice); err != nil {
			return fmt.Errorf("ошибка привязки к устройству %s: %w", opts.BindToDevice, err)
		}
	}
	return nil
}

// setSockOptBuffers устанавливает размеры буферов сокета
func setSockOptBuffers(fd, bufferSize int) error {
	recvBufSize := VoiceOptimizedRecvBuffer
	sendBufSize := VoiceOptimizedSendBuffer

	if bufferSize > DefaultBufferSize {
		recvBufSize = bufferSize * 4
		sendBufSize = bufferSize * 2
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufSize); err != nil {
		return fmt.Errorf("SO_RCVBUF (%d): %w", recvBufSize, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sendBufSize); err != nil {
		return fmt.Errorf("SO_SNDBUF (%d): %w", sendBufSize, err)
	}
	return nil
}

// setSockOptDSCP устанавливает DSCP в старшие 6 бит TOS/Traffic Class
func setSockOptDSCP(fd, family, dscp int) {
	tos := dscp << 2
	if family == unix.AF_INET6 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
		return
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
}
