package dialogpath

import (
	"github.com/emiago/sipgo/sip"
)

// NewRequest создает запрос в рамках диалога с текущим CSeq.
// Перед каждым новым запросом владелец сам вызывает IncrementCseq.
func (d *DialogPath) NewRequest(method sip.RequestMethod) *sip.Request {
	d.mu.RLock()
	defer d.mu.RUnlock()

	req := sip.NewRequest(method, d.target)

	fromHeader := &sip.FromHeader{
		DisplayName: d.displayName,
		Address:     d.localParty,
		Params:      sip.NewParams().Add("tag", d.localTag),
	}
	req.AppendHeader(fromHeader)

	toParams := sip.NewParams()
	if d.remoteTag != "" {
		toParams = toParams.Add("tag", d.remoteTag)
	}
	toHeader := &sip.ToHeader{
		Address: d.remoteParty,
		Params:  toParams,
	}
	req.AppendHeader(toHeader)

	callID := d.callID
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq.Load(), MethodName: method})
	req.AppendHeader(&sip.ContactHeader{Address: d.localContact})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	for _, route := range d.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: route})
	}
	return req
}

// NewAck создает ACK на 2xx. CSeq совпадает с INVITE.
func (d *DialogPath) NewAck() *sip.Request {
	ack := d.NewRequest(sip.ACK)
	if invite := d.Invite(); invite != nil {
		if cseq := invite.CSeq(); cseq != nil {
			ack.CSeq().SeqNo = cseq.SeqNo
		}
	}
	return ack
}

// NewCancel создает CANCEL для отправленного INVITE. Возвращает nil, если INVITE не отправлялся.
func (d *DialogPath) NewCancel() *sip.Request {
	invite := d.Invite()
	if invite == nil || !d.originating {
		return nil
	}

	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancelReq.SipVersion = invite.SipVersion

	if via := invite.Via(); via != nil {
		cancelReq.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", invite, cancelReq)
	maxForwards := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxForwards)

	if h := invite.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.CANCEL
		cancelReq.AppendHeader(cseq)
	}
	return cancelReq
}

// UpdateFromResponse применяет 2xx на INVITE: удаленный тег, target из Contact
// и маршрут из Record-Route (для UAC в обратном порядке).
func (d *DialogPath) UpdateFromResponse(res *sip.Response) {
	if tag := GetToTag(res); tag != "" {
		d.SetRemoteTag(tag)
	}
	if contact := res.Contact(); contact != nil {
		d.SetTarget(contact.Address)
	}
	routes := RecordRoutes(res)
	if len(routes) > 0 {
		reversed := make([]sip.Uri, 0, len(routes))
		for i := len(routes) - 1; i >= 0; i-- {
			reversed = append(reversed, routes[i])
		}
		d.SetRoute(reversed)
	}
	if len(res.Body()) > 0 {
		d.SetRemoteContent(NewBody(ContentType(res), res.Body()))
	}
}
