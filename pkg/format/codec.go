package format

import (
	"errors"
	"strings"
	"sync"
)

// ErrCodecNotFound для формата не зарегистрирован кодек
var ErrCodecNotFound = errors.New("кодек не найден")

// Codec преобразование между PCM (16 бит, моно) и нагрузкой RTP
type Codec interface {
	Encode(pcm []int16) ([]byte, error)
	Decode(payload []byte) ([]int16, error)
}

// Registry кодеки по имени формата
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// DefaultRegistry реестр со встроенными кодеками G.711
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(PCMU.Name, MuLaw{})
	r.Register(PCMA.Name, ALaw{})
	return r
}

// Register регистрирует кодек для имени формата
func (r *Registry) Register(name string, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[strings.ToUpper(name)] = c
}

// Lookup возвращает кодек для формата
func (r *Registry) Lookup(f Format) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.codecs[strings.ToUpper(f.Name)]
	if !ok {
		return nil, ErrCodecNotFound
	}
	return c, nil
}
