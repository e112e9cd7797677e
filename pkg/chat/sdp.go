package chat

import (
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"

	"github.com/arzzra/ims_session/pkg/cpim"
)

const (
	setupActive  = "active"
	setupPassive = "passive"

	contentTypeSDP = "application/sdp"
)

var ErrNoMsrpMedia = errors.New("no msrp media in session description")

// ntpEpochOffset - секунды между 1900 и 1970 годами
const ntpEpochOffset = 2208988800

func ntpTime(t time.Time) uint64 {
	return uint64(t.Unix()) + ntpEpochOffset
}

func addressType(host string) string {
	if strings.Contains(host, ":") {
		return "IP6"
	}
	return "IP4"
}

// BuildSDP собирает описание MSRP сессии для предложения или ответа
func BuildSDP(local Endpoint, setup string, acceptTypes, wrappedTypes []string) ([]byte, error) {
	ts := ntpTime(time.Now())
	attrs := []sdp.Attribute{
		{Key: "accept-types", Value: strings.Join(acceptTypes, " ")},
	}
	if len(wrappedTypes) > 0 {
		attrs = append(attrs, sdp.Attribute{Key: "accept-wrapped-types", Value: strings.Join(wrappedTypes, " ")})
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "setup", Value: setup},
		sdp.Attribute{Key: "path", Value: local.Path},
		sdp.Attribute{Key: "sendrecv"},
	)

	sd := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      ts,
			SessionVersion: ts,
			NetworkType:    "IN",
			AddressType:    addressType(local.Host),
			UnicastAddress: local.Host,
		},
		SessionName: "-",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType(local.Host),
			Address:     &sdp.Address{Address: local.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "message",
				Port:    sdp.RangedPort{Value: local.Port},
				Protos:  []string{"TCP", "MSRP"},
				Formats: []string{"*"},
			},
			Attributes: attrs,
		}},
	}
	out, err := sd.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal sdp")
	}
	return out, nil
}

// buildChatSDP - предложение или ответ с типами содержимого чата
func buildChatSDP(local Endpoint, setup string) ([]byte, error) {
	return BuildSDP(local, setup,
		[]string{cpim.MimeType, cpim.TextPlain, cpim.IsComposingType},
		[]string{cpim.TextPlain, cpim.ImdnType, cpim.IsComposingType})
}

// ParseSDP извлекает MSRP адрес удаленной стороны
func ParseSDP(body []byte) (Endpoint, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return Endpoint{}, errors.Wrap(err, "parse sdp")
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "message" {
			continue
		}
		ep := Endpoint{Port: md.MediaName.Port.Value}
		if path, ok := md.Attribute("path"); ok {
			ep.Path = path
		}
		if setup, ok := md.Attribute("setup"); ok {
			ep.Setup = setup
		}
		switch {
		case md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil:
			ep.Host = md.ConnectionInformation.Address.Address
		case sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil:
			ep.Host = sd.ConnectionInformation.Address.Address
		}
		if ep.Path == "" {
			return Endpoint{}, errors.Wrap(ErrNoMsrpMedia, "no path attribute")
		}
		return ep, nil
	}
	return Endpoint{}, ErrNoMsrpMedia
}

// localIsActive решает, кто открывает TCP соединение (RFC 4145)
func localIsActive(remoteSetup string, originating bool) bool {
	switch remoteSetup {
	case setupPassive:
		return true
	case setupActive:
		return false
	}
	return originating
}
