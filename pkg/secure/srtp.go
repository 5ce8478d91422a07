// Package secure содержит преобразование SRTP/SRTCP, применяемое к пакетам
// канала. Согласование ключей выполняется вне шлюза: сюда передаются готовые
// ключи или установленное DTLS соединение, из которого они извлекаются.
package secure

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/dtls/v2"
	"github.com/pion/srtp/v2"
)

// ErrNoProfile DTLS соединение не согласовало профиль SRTP
var ErrNoProfile = errors.New("профиль SRTP не согласован")

// Transform шифрование и расшифровка пакетов канала.
// dst может быть nil: тогда результат размещается в новом буфере.
type Transform interface {
	EncryptRTP(dst, plaintext []byte) ([]byte, error)
	DecryptRTP(dst, ciphertext []byte) ([]byte, error)
	EncryptRTCP(dst, plaintext []byte) ([]byte, error)
	DecryptRTCP(dst, ciphertext []byte) ([]byte, error)
}

// Keys мастер ключи сессии
type Keys = srtp.SessionKeys

// SRTP преобразование на основе двух контекстов pion/srtp: локальный
// шифрует исходящие пакеты, удаленный расшифровывает входящие.
type SRTP struct {
	profile srtp.ProtectionProfile

	encMu sync.Mutex
	local *srtp.Context

	decMu  sync.Mutex
	remote *srtp.Context
}

// NewSRTP создает преобразование из мастер ключей
func NewSRTP(keys Keys, profile srtp.ProtectionProfile) (*SRTP, error) {
	local, err := srtp.CreateContext(keys.LocalMasterKey, keys.LocalMasterSalt, profile)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания локального SRTP контекста: %w", err)
	}
	remote, err := srtp.CreateContext(keys.RemoteMasterKey, keys.RemoteMasterSalt, profile)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания удаленного SRTP контекста: %w", err)
	}
	return &SRTP{profile: profile, local: local, remote: remote}, nil
}

// FromDTLS извлекает ключи SRTP из установленного DTLS соединения (RFC 5764)
func FromDTLS(conn *dtls.Conn, isClient bool) (*SRTP, error) {
	selected, ok := conn.SelectedSRTPProtectionProfile()
	if !ok {
		return nil, ErrNoProfile
	}
	state := conn.ConnectionState()
	return FromExporter(&state, srtp.ProtectionProfile(selected), isClient)
}

// FromExporter извлекает ключи через экспорт ключевого материала TLS
func FromExporter(exporter srtp.KeyingMaterialExporter, profile srtp.ProtectionProfile, isClient bool) (*SRTP, error) {
	config := srtp.Config{Profile: profile}
	if err := config.ExtractSessionKeysFromDTLS(exporter, isClient); err != nil {
		return nil, fmt.Errorf("ошибка извлечения ключей SRTP: %w", err)
	}
	return NewSRTP(config.Keys, profile)
}

// Profile профиль защиты
func (s *SRTP) Profile() srtp.ProtectionProfile {
	return s.profile
}

func (s *SRTP) EncryptRTP(dst, plaintext []byte) ([]byte, error) {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	return s.local.EncryptRTP(dst, plaintext, nil)
}

func (s *SRTP) DecryptRTP(dst, ciphertext []byte) ([]byte, error) {
	s.decMu.Lock()
	defer s.decMu.Unlock()
	return s.remote.DecryptRTP(dst, ciphertext, nil)
}

func (s *SRTP) EncryptRTCP(dst, plaintext []byte) ([]byte, error) {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	return s.local.EncryptRTCP(dst, plaintext, nil)
}

func (s *SRTP) DecryptRTCP(dst, ciphertext []byte) ([]byte, error) {
	s.decMu.Lock()
	defer s.decMu.Unlock()
	return s.remote.DecryptRTCP(dst, ciphertext, nil)
}
