package gateway

import (
	"fmt"
	"strconv"
	"time"

	"github.com/arzzra/media_gateway/pkg/channel"
	"github.com/arzzra/media_gateway/pkg/format"
	"github.com/pion/sdp/v3"
	"github.com/samber/lo"
)

// GenerateOffer формирует SDP предложение для привязанного канала: адрес и
// порт сокета, согласованные форматы в порядке типов нагрузки, ptime и
// направление по режиму соединения.
func (g *Gateway) GenerateOffer(id string) (*sdp.SessionDescription, error) {
	conn, err := g.lookup(id)
	if err != nil {
		return nil, err
	}
	if conn.handle == nil {
		return nil, newError(ErrorCodeNotBound, id, "канал не привязан", nil)
	}

	formats := conn.ch.Formats().Ordered()
	if len(formats) == 0 {
		return nil, newError(ErrorCodeOfferFailed, id, "нет согласованных форматов", nil)
	}

	addrType := "IP4"
	if conn.addr.Addr().Is6() && !conn.addr.Addr().Is4In6() {
		addrType = "IP6"
	}
	ip := conn.addr.Addr().Unmap().String()

	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: ip,
		},
		SessionName: sdp.SessionName(g.config.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
	if conn.ice != nil {
		offer.Attributes = append(offer.Attributes, sdp.NewPropertyAttribute("ice-lite"))
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: int(conn.addr.Port())},
			Protos: []string{"RTP", "AVP"},
			Formats: lo.Map(formats, func(f format.Format, _ int) string {
				return strconv.Itoa(int(f.PayloadType))
			}),
		},
	}

	for _, f := range formats {
		media.WithValueAttribute("rtpmap", rtpmap(f))
		if f.Fmtp != "" {
			media.WithValueAttribute("fmtp", fmt.Sprintf("%d %s", f.PayloadType, f.Fmtp))
		}
	}
	if f, ok := lo.Find(formats, func(f format.Format) bool { return !f.IsTelephoneEvent() }); ok && f.PTime > 0 {
		media.WithValueAttribute("ptime", strconv.Itoa(int(f.PTime/time.Millisecond)))
	}
	if conn.ice != nil {
		media.WithValueAttribute("ice-ufrag", conn.ice.Username)
		media.WithValueAttribute("ice-pwd", conn.ice.Password)
	}
	media.WithPropertyAttribute(direction(conn.ch.Mode()))

	offer.MediaDescriptions = []*sdp.MediaDescription{media}
	return offer, nil
}

func rtpmap(f format.Format) string {
	if f.Channels > 1 {
		return fmt.Sprintf("%d %s/%d/%d", f.PayloadType, f.Name, f.ClockRate, f.Channels)
	}
	return fmt.Sprintf("%d %s/%d", f.PayloadType, f.Name, f.ClockRate)
}

// direction атрибут направления SDP для режима соединения
func direction(m channel.ConnectionMode) string {
	switch m {
	case channel.ModeInactive:
		return "inactive"
	case channel.ModeSendOnly:
		return "sendonly"
	case channel.ModeRecvOnly:
		return "recvonly"
	default:
		return "sendrecv"
	}
}
