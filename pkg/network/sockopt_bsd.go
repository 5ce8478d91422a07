//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package network

import "golang.org/x/sys/unix"

// setSockOptReusePort на BSD системах SO_REUSEADDR стабильнее, SO_REUSEPORT включается дополнительно
func setSockOptReusePort(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	return nil
}

// setSockOptBindToDevice не поддерживается: привязка к интерфейсу выполняется через его адрес
func setSockOptBindToDevice(fd int, device string) error {
	return nil
}

// setSockOptVoicePriority SO_PRIORITY на BSD отсутствует
func setSockOptVoicePriority(fd int) {}
