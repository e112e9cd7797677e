package dispatcher

import (
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/ims_session/pkg/dialogpath"
)

// Признаки возможностей (feature tags) в нижнем регистре
const (
	TagVideoShare   = "+g.3gpp.cs-voice"
	TagImageShare   = `+g.3gpp.iari-ref="urn%3aurn-7%3a3gpp-application.ims.iari.gsma-is"`
	TagIM           = "+g.oma.sip-im"
	TagLargeMessage = "+g.oma.sip-im.large-message"
)

// Route - результат классификации начального INVITE
type Route int

const (
	RouteNone Route = iota
	RouteVideoSharing
	RouteImageSharing
	RouteFileTransfer
	RouteLargeMessage
	RouteAdhocChat
	RouteOneOneChat
)

func (r Route) String() string {
	switch r {
	case RouteVideoSharing:
		return "video-sharing"
	case RouteImageSharing:
		return "image-sharing"
	case RouteFileTransfer:
		return "file-transfer"
	case RouteLargeMessage:
		return "large-message"
	case RouteAdhocChat:
		return "group-chat"
	case RouteOneOneChat:
		return "chat"
	}
	return "none"
}

// Classify определяет сервис для начального INVITE по телу и признакам возможностей.
// Проверки идут в порядке приоритета, побеждает первое совпадение.
func Classify(req *sip.Request) Route {
	body := strings.ToLower(string(req.Body()))
	tags := dialogpath.FeatureTags(req)

	msrp := strings.Contains(body, "msrp")
	im := dialogpath.ContainsFeatureTag(tags, TagIM)

	switch {
	case strings.Contains(body, "rtp") && dialogpath.ContainsFeatureTag(tags, TagVideoShare):
		return RouteVideoSharing
	case msrp && dialogpath.ContainsFeatureTag(tags, TagImageShare):
		return RouteImageSharing
	case msrp && im && strings.Contains(body, "file-selector"):
		return RouteFileTransfer
	case msrp && dialogpath.ContainsFeatureTag(tags, TagLargeMessage):
		return RouteLargeMessage
	case msrp && im && strings.Contains(body, "resource-lists+xml"):
		return RouteAdhocChat
	case msrp && im:
		return RouteOneOneChat
	}
	return RouteNone
}
