// Package capability реализует обмен возможностями через SIP OPTIONS.
//
// Возможности передаются признаками (feature tags) в Contact: отдельными
// параметрами и списком IARI в +g.3gpp.iari-ref.
package capability

import (
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/ims_session/pkg/dialogpath"
)

const (
	TagIM         = "+g.oma.sip-im"
	TagVideoShare = "+g.3gpp.cs-voice"

	iariParam  = "+g.3gpp.iari-ref"
	iariPrefix = "urn%3Aurn-7%3A3gpp-application.ims.iari."

	IariChat              = iariPrefix + "rcse.im"
	IariFileTransfer      = iariPrefix + "rcse.ft"
	IariPresenceDiscovery = iariPrefix + "rcse.dp"
	IariSocialPresence    = iariPrefix + "rcse.sp"
	IariImageShare        = iariPrefix + "gsma-is"
)

// Capabilities - возможности контакта
type Capabilities struct {
	IMSession         bool
	FileTransfer      bool
	VideoSharing      bool
	ImageSharing      bool
	PresenceDiscovery bool
	SocialPresence    bool
	// Extensions - IARI, не известные клиенту
	Extensions []string
}

// IsRCS сообщает, поддерживает ли контакт чат
func (c Capabilities) IsRCS() bool {
	return c.IMSession
}

// Extract читает возможности из признаков Accept-Contact и Contact сообщения
func Extract(msg interface{ GetHeaders(name string) []sip.Header }) Capabilities {
	var c Capabilities
	for _, tag := range dialogpath.FeatureTags(msg) {
		name, value, _ := strings.Cut(tag, "=")
		switch strings.TrimSpace(name) {
		case TagIM:
			c.IMSession = true
		case TagVideoShare:
			c.VideoSharing = true
		case iariParam:
			for _, iari := range strings.Split(strings.Trim(value, `"`), ",") {
				c.addIari(strings.TrimSpace(iari))
			}
		}
	}
	return c
}

func (c *Capabilities) addIari(iari string) {
	switch {
	case iari == "":
	case strings.EqualFold(iari, IariChat):
		c.IMSession = true
	case strings.EqualFold(iari, IariFileTransfer):
		c.FileTransfer = true
	case strings.EqualFold(iari, IariPresenceDiscovery):
		c.PresenceDiscovery = true
	case strings.EqualFold(iari, IariSocialPresence):
		c.SocialPresence = true
	case strings.EqualFold(iari, IariImageShare):
		c.ImageSharing = true
	default:
		c.Extensions = append(c.Extensions, iari)
	}
}

// ContactParams возвращает параметры Contact, объявляющие возможности
func (c Capabilities) ContactParams() sip.HeaderParams {
	params := sip.NewParams()
	var iari []string
	if c.IMSession {
		params = params.Add(TagIM, "")
		iari = append(iari, IariChat)
	}
	if c.VideoSharing {
		params = params.Add(TagVideoShare, "")
	}
	if c.ImageSharing {
		iari = append(iari, IariImageShare)
	}
	if c.FileTransfer {
		iari = append(iari, IariFileTransfer)
	}
	if c.PresenceDiscovery {
		iari = append(iari, IariPresenceDiscovery)
	}
	if c.SocialPresence {
		iari = append(iari, IariSocialPresence)
	}
	iari = append(iari, c.Extensions...)
	if len(iari) > 0 {
		params = params.Add(iariParam, `"`+strings.Join(iari, ",")+`"`)
	}
	return params
}
