package channel

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/arzzra/media_gateway/pkg/dtmf"
	"github.com/arzzra/media_gateway/pkg/format"
	"github.com/arzzra/media_gateway/pkg/packet"
	"github.com/pion/rtp"
	"github.com/samber/lo"
)

// outbound состояние исходящего RTP потока
type outbound struct {
	mu        sync.Mutex
	ssrc      uint32
	sequence  uint16
	timestamp uint32
}

func (o *outbound) init() {
	o.ssrc = rand.Uint32()
	o.sequence = uint16(rand.Uint32())
	o.timestamp = rand.Uint32()
}

// SSRC идентификатор исходящего потока
func (c *Channel) SSRC() uint32 {
	c.out.mu.Lock()
	defer c.out.mu.Unlock()
	return c.out.ssrc
}

// Send кодирует кадр PCM первым согласованным аудио форматом и отправляет его
func (c *Channel) Send(pcm []int16) error {
	f, err := c.sendFormat()
	if err != nil {
		return err
	}
	codec, err := c.codecs.Lookup(f)
	if err != nil {
		return fmt.Errorf("формат %s: %w", f, err)
	}
	payload, err := codec.Encode(pcm)
	if err != nil {
		return fmt.Errorf("ошибка кодирования %s: %w", f.Name, err)
	}
	return c.SendPayload(f.PayloadType, payload, uint32(len(pcm)), false)
}

// SendPayload отправляет готовую нагрузку. samples продвигает RTP метку времени.
func (c *Channel) SendPayload(pt uint8, payload []byte, samples uint32, marker bool) error {
	if err := c.canSend(); err != nil {
		return err
	}

	c.out.mu.Lock()
	header := rtp.Header{
		Version:        2,
		Marker:         marker,
		PayloadType:    pt,
		SequenceNumber: c.out.sequence,
		Timestamp:      c.out.timestamp,
		SSRC:           c.out.ssrc,
	}
	c.out.sequence++
	c.out.timestamp += samples
	c.out.mu.Unlock()

	return c.transmit(&rtp.Packet{Header: header, Payload: payload})
}

// SendDTMF отправляет событие telephone-event (RFC 4733)
func (c *Channel) SendDTMF(digit dtmf.Digit, duration time.Duration) error {
	if err := c.canSend(); err != nil {
		return err
	}
	te, ok := c.Formats().TelephoneEvent()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoFormat, format.TelephoneEvent)
	}

	c.out.mu.Lock()
	gen := dtmf.Generator{
		PayloadType: te.PayloadType,
		ClockRate:   te.ClockRate,
		SSRC:        c.out.ssrc,
		Sequence:    c.out.sequence,
	}
	packets, err := gen.Packets(digit, duration, 10, c.out.timestamp)
	if err == nil {
		c.out.sequence = gen.Sequence
		c.out.timestamp += uint32(int64(duration) * int64(te.ClockRate) / int64(time.Second))
	}
	c.out.mu.Unlock()
	if err != nil {
		return err
	}

	for _, p := range packets {
		if err := c.transmit(p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) canSend() error {
	c.mu.Lock()
	state, mode := c.state, c.mode
	c.mu.Unlock()

	if state != StateActivated {
		return ErrNotActive
	}
	if !mode.Sendable() {
		return ErrNotSendable
	}
	return nil
}

func (c *Channel) sendFormat() (format.Format, error) {
	f, ok := lo.Find(c.Formats().Ordered(), func(f format.Format) bool {
		return !f.IsTelephoneEvent()
	})
	if !ok {
		return format.Format{}, ErrNoFormat
	}
	return f, nil
}

func (c *Channel) transmit(p *rtp.Packet) error {
	raw, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка сборки RTP пакета: %w", err)
	}

	c.peerMu.RLock()
	socket, remote, pending := c.socket, c.remote, c.pending
	c.peerMu.RUnlock()

	if socket == nil {
		return ErrNoSocket
	}
	if !remote.IsValid() || pending {
		return ErrNoRemote
	}
	return c.write(raw, remote, p.Header.MarshalSize())
}

// echo возвращает принятый пакет отправителю (сетевая петля)
func (c *Channel) echo(p *packet.Packet) {
	c.peerMu.RLock()
	socket := c.socket
	c.peerMu.RUnlock()

	if socket == nil {
		return
	}
	if err := c.write(p.Raw, p.From, p.Size()-len(p.Payload)); err != nil {
		c.log.WithError(err).Debug("Ошибка отправки пакета петли")
		return
	}
	c.stats.echoed.Add(1)
}

// write шифрует и отправляет RTP пакет
func (c *Channel) write(raw []byte, to netip.AddrPort, headerSize int) error {
	c.peerMu.RLock()
	socket, transform := c.socket, c.transform
	c.peerMu.RUnlock()

	payloadSize := len(raw) - headerSize
	if transform != nil {
		encrypted, err := transform.EncryptRTP(nil, raw)
		if err != nil {
			return fmt.Errorf("ошибка шифрования RTP: %w", err)
		}
		raw = encrypted
	}

	if err := socket.Write(raw, to); err != nil {
		return err
	}
	c.stats.packetsTx.Add(1)
	c.stats.bytesTx.Add(uint64(payloadSize))
	return nil
}
