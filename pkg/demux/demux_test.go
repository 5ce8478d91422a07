package demux

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/arzzra/media_gateway/pkg/clock"
	"github.com/arzzra/media_gateway/pkg/logger"
	"github.com/arzzra/media_gateway/pkg/packet"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPeer = netip.MustParseAddrPort("192.0.2.10:40000")

func TestClassifyAllBytePairs(t *testing.T) {
	counts := make(map[packet.Kind]int)

	for b0 := 0; b0 < 256; b0++ {
		for b1 := 0; b1 < 256; b1++ {
			got := Classify(byte(b0), byte(b1))

			var want packet.Kind
			switch {
			case b0 < 2:
				want = packet.KindSTUN
			case b0 >= 20 && b0 <= 63:
				want = packet.KindDTLS
			case b0 >= 128 && b0 <= 191:
				pt := (b1 & 0x7F) + 128
				if pt >= 200 && pt <= 204 {
					want = packet.KindRTCP
				} else {
					want = packet.KindRTP
				}
			default:
				want = packet.KindUnknown
			}

			if got != want {
				t.Fatalf("Classify(%d, %d) = %s, ожидалось %s", b0, b1, got, want)
			}
			// Чистая функция: повторный вызов дает тот же результат
			if again := Classify(byte(b0), byte(b1)); again != got {
				t.Fatalf("Classify(%d, %d) недетерминирован", b0, b1)
			}
			counts[got]++
		}
	}

	assert.Equal(t, 2*256, counts[packet.KindSTUN])
	assert.Equal(t, 44*256, counts[packet.KindDTLS])
	// 64 значения b0, по 10 значений b1 на каждое (5 кодов с битом маркера и без)
	assert.Equal(t, 64*10, counts[packet.KindRTCP])
	assert.Equal(t, 64*246, counts[packet.KindRTP])
}

func TestClassifyRTCPWinsOverRTP(t *testing.T) {
	// Тип нагрузки 72 с маркером совпадает с кодом SR
	assert.Equal(t, packet.KindRTCP, Classify(0x80, 200))
	assert.Equal(t, packet.KindRTCP, Classify(0x80, 72))
	assert.Equal(t, packet.KindRTCP, Classify(0x81, 204))
	assert.Equal(t, packet.KindRTP, Classify(0x80, 0))
	assert.Equal(t, packet.KindRTP, Classify(0x80, 0x80|101))
	assert.Equal(t, packet.KindRTP, Classify(0x80, 205))
}

// collector запоминает пакеты по протоколам
type collector struct {
	packets map[packet.Kind][]*packet.Packet
}

func newCollector(d *Demultiplexer) *collector {
	c := &collector{packets: make(map[packet.Kind][]*packet.Packet)}
	for _, kind := range []packet.Kind{packet.KindRTP, packet.KindRTCP, packet.KindSTUN, packet.KindDTLS} {
		d.Handle(kind, HandlerFunc(func(p *packet.Packet) {
			c.packets[p.Kind] = append(c.packets[p.Kind], p)
		}))
	}
	return c
}

func marshalRTP(t *testing.T, pt uint8, seq uint16, payload []byte) []byte {
	t.Helper()
	raw, err := (&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           0x1234,
		},
		Payload: payload,
	}).Marshal()
	require.NoError(t, err)
	return raw
}

func TestDispatchTypedPackets(t *testing.T) {
	clk := clock.NewManual(5 * time.Second)
	d := New(clk, WithLogger(logger.Discard()))
	c := newCollector(d)

	t.Run("RTP", func(t *testing.T) {
		d.Dispatch(marshalRTP(t, 0, 42, make([]byte, 160)), testPeer)

		require.Len(t, c.packets[packet.KindRTP], 1)
		p := c.packets[packet.KindRTP][0]
		assert.Equal(t, uint8(2), p.Version())
		assert.Equal(t, uint16(42), p.SequenceNumber())
		assert.Equal(t, uint32(0x1234), p.SSRC())
		assert.Len(t, p.Payload, 160)
		assert.Equal(t, testPeer, p.From)
		assert.Equal(t, 5*time.Second, p.Arrival)
	})

	t.Run("RTCP", func(t *testing.T) {
		raw, err := rtcp.Marshal([]rtcp.Packet{
			&rtcp.SenderReport{SSRC: 0x1234, NTPTime: 1, RTPTime: 2},
			&rtcp.Goodbye{Sources: []uint32{0x1234}},
		})
		require.NoError(t, err)
		d.Dispatch(raw, testPeer)

		require.Len(t, c.packets[packet.KindRTCP], 1)
		assert.Len(t, c.packets[packet.KindRTCP][0].RTCP, 2)
	})

	t.Run("STUN", func(t *testing.T) {
		msg, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
		require.NoError(t, err)
		d.Dispatch(msg.Raw, testPeer)

		require.Len(t, c.packets[packet.KindSTUN], 1)
		assert.Equal(t, stun.BindingRequest, c.packets[packet.KindSTUN][0].STUN.Type)
	})

	t.Run("DTLS", func(t *testing.T) {
		record := []byte{22, 254, 253, 0, 0, 0, 0, 0, 0, 0, 1, 0, 1, 0}
		d.Dispatch(record, testPeer)

		require.Len(t, c.packets[packet.KindDTLS], 1)
		assert.Equal(t, uint64(1), c.packets[packet.KindDTLS][0].DTLS.SequenceNumber)
	})

	stats := d.Statistics()
	assert.Equal(t, uint64(1), stats.RTP)
	assert.Equal(t, uint64(1), stats.RTCP)
	assert.Equal(t, uint64(1), stats.STUN)
	assert.Equal(t, uint64(1), stats.DTLS)
}

type failingTransform struct{}

func (failingTransform) EncryptRTP(dst, plaintext []byte) ([]byte, error) { return plaintext, nil }
func (failingTransform) DecryptRTP(dst, ciphertext []byte) ([]byte, error) {
	return nil, errors.New("неверный тег аутентификации")
}
func (failingTransform) EncryptRTCP(dst, plaintext []byte) ([]byte, error) { return plaintext, nil }
func (failingTransform) DecryptRTCP(dst, ciphertext []byte) ([]byte, error) {
	return nil, errors.New("неверный тег аутентификации")
}

type countingObserver struct {
	accepted int
	dropped  map[DropReason]int
}

func (o *countingObserver) PacketAccepted(kind packet.Kind, size int) { o.accepted++ }
func (o *countingObserver) PacketDropped(reason DropReason)          { o.dropped[reason]++ }

func TestDispatchDrops(t *testing.T) {
	obs := &countingObserver{dropped: make(map[DropReason]int)}
	d := New(clock.NewManual(0), WithLogger(logger.Discard()), WithObserver(obs))
	c := newCollector(d)

	d.Dispatch([]byte{100, 1, 2, 3}, testPeer)
	d.Dispatch([]byte{0x80}, testPeer)
	d.Dispatch([]byte{0x80, 0x00, 0x01}, testPeer)
	d.Dispatch([]byte{22, 254}, testPeer)

	stats := d.Statistics()
	assert.Equal(t, uint64(1), stats.Unknown)
	assert.Equal(t, uint64(3), stats.Malformed)

	t.Run("Ошибка расшифровки", func(t *testing.T) {
		d.SetTransform(failingTransform{})
		d.Dispatch(marshalRTP(t, 0, 1, make([]byte, 20)), testPeer)
		assert.Equal(t, uint64(1), d.Statistics().DecryptFailed)

		// STUN не расшифровывается
		msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
		require.NoError(t, err)
		d.Dispatch(msg.Raw, testPeer)
		assert.Len(t, c.packets[packet.KindSTUN], 1)

		d.SetTransform(nil)
	})

	t.Run("Нет обработчика", func(t *testing.T) {
		d.Handle(packet.KindRTP, nil)
		d.Dispatch(marshalRTP(t, 0, 2, make([]byte, 20)), testPeer)
		assert.Equal(t, uint64(1), d.Statistics().Unhandled)
	})

	assert.Empty(t, c.packets[packet.KindRTP])
	assert.Equal(t, 1, obs.dropped[DropUnknownProtocol])
	assert.Equal(t, 3, obs.dropped[DropMalformed])
	assert.Equal(t, 1, obs.dropped[DropDecryptFailed])
	assert.Equal(t, 1, obs.dropped[DropNoHandler])
	assert.Equal(t, 1, obs.accepted)
}

func TestOnClosed(t *testing.T) {
	d := New(clock.NewManual(0), WithLogger(logger.Discard()))
	d.OnClosed()

	closed := 0
	d.OnClose(func() { closed++ })
	d.OnClosed()
	assert.Equal(t, 1, closed)
}
