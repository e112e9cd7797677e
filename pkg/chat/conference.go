package chat

import (
	"context"
	"encoding/xml"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/ims_session/pkg/dialogpath"
)

const (
	contentTypeConferenceInfo = "application/conference-info+xml"

	conferenceExpires = "3600"
)

// Состояния участника из conference-info
const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StatePending      = "pending"
)

type conferenceEndpoint struct {
	Entity string `xml:"entity,attr"`
	Status string `xml:"status"`
}

type conferenceUser struct {
	Entity      string               `xml:"entity,attr"`
	State       string               `xml:"state,attr"`
	DisplayText string               `xml:"display-text"`
	Endpoints   []conferenceEndpoint `xml:"endpoint"`
}

type conferenceInfo struct {
	XMLName xml.Name         `xml:"conference-info"`
	Entity  string           `xml:"entity,attr"`
	State   string           `xml:"state,attr"`
	Users   []conferenceUser `xml:"users>user"`
}

// ConferenceUser - участник из уведомления о событиях конференции
type ConferenceUser struct {
	Entity      string
	DisplayName string
	State       string
}

// ParseConferenceInfo разбирает application/conference-info+xml (RFC 4575)
func ParseConferenceInfo(data []byte) ([]ConferenceUser, error) {
	var doc conferenceInfo
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "parse conference-info")
	}
	users := make([]ConferenceUser, 0, len(doc.Users))
	for _, u := range doc.Users {
		state := StateConnected
		for _, ep := range u.Endpoints {
			if ep.Status != "" {
				state = userState(ep.Status)
				break
			}
		}
		if u.State == "deleted" {
			state = StateDisconnected
		}
		users = append(users, ConferenceUser{Entity: u.Entity, DisplayName: u.DisplayText, State: state})
	}
	return users, nil
}

// userState сводит статусы endpoint к трем состояниям участника
func userState(status string) string {
	switch strings.ToLower(status) {
	case "connected", "on-hold", "muted-via-focus":
		return StateConnected
	case "pending", "dialing-out", "dialing-in", "alerting":
		return StatePending
	}
	return StateDisconnected
}

// ConferenceSubscriber - подписка групповой сессии на события конференции (RFC 4575).
// Работает в собственном диалоге SUBSCRIBE.
type ConferenceSubscriber struct {
	cs     *Session
	dialog *dialogpath.DialogPath

	subscribed atomic.Bool
	terminated atomic.Bool
}

func newConferenceSubscriber(cs *Session) *ConferenceSubscriber {
	settings := cs.Settings()
	d := dialogpath.NewOriginating(dialogpath.Params{
		Local:        settings.PublicURI(),
		Remote:       cs.RemoteContact(),
		Target:       cs.Dialog().Target(),
		Contact:      settings.ContactURI(),
		DisplayName:  settings.User.DisplayName,
		ServiceRoute: settings.ServiceRoute(),
	})
	return &ConferenceSubscriber{cs: cs, dialog: d}
}

// CallID возвращает идентификатор диалога подписки
func (c *ConferenceSubscriber) CallID() sip.CallIDHeader {
	return c.dialog.CallID()
}

func (c *ConferenceSubscriber) IsSubscribed() bool {
	return c.subscribed.Load() && !c.terminated.Load()
}

func (c *ConferenceSubscriber) newSubscribe(expires string) (*sip.Request, error) {
	req := c.dialog.NewRequest(sip.SUBSCRIBE)
	req.AppendHeader(sip.NewHeader("Event", "conference"))
	req.AppendHeader(sip.NewHeader("Accept", contentTypeConferenceInfo))
	req.AppendHeader(sip.NewHeader("Expires", expires))
	if auth := c.cs.Auth(); auth.HasChallenge() {
		if err := auth.ApplyCredentials(req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// Subscribe отправляет SUBSCRIBE. После 407 повторяет один раз с учетными данными.
func (c *ConferenceSubscriber) Subscribe(ctx context.Context) error {
	authRetried := false
	for {
		req, err := c.newSubscribe(conferenceExpires)
		if err != nil {
			return err
		}

		tctx, cancel := context.WithTimeout(ctx, c.cs.TransactionTimeout())
		res, err := c.cs.Transport().Request(tctx, req)
		cancel()
		if err != nil {
			return errors.Wrap(err, "conference SUBSCRIBE")
		}

		code := int(res.StatusCode)
		switch {
		case code >= 200 && code < 300:
			c.dialog.UpdateFromResponse(res)
			c.subscribed.Store(true)
			c.cs.Logger().Debug("ConferenceSubscriber.Subscribe: subscribed",
				slog.String("callID", string(c.dialog.CallID())))
			return nil
		case code == 407 && !authRetried:
			authRetried = true
			if err := c.cs.Auth().OnChallenge(res); err != nil {
				return err
			}
			c.dialog.IncrementCseq()
		default:
			return errors.Errorf("conference SUBSCRIBE rejected: %d %s", code, res.Reason)
		}
	}
}

// MatchNotify проверяет, относится ли NOTIFY к этой подписке
func (c *ConferenceSubscriber) MatchNotify(req *sip.Request) bool {
	callID := req.CallID()
	return callID != nil && *callID == c.dialog.CallID()
}

// ReceiveNotify применяет уведомление к списку участников сессии.
// Ответ на NOTIFY отправляет диспетчер.
func (c *ConferenceSubscriber) ReceiveNotify(req *sip.Request) {
	if c.terminated.Load() || len(req.Body()) == 0 {
		return
	}
	users, err := ParseConferenceInfo(req.Body())
	if err != nil {
		c.cs.Logger().Debug("ConferenceSubscriber.ReceiveNotify", slog.String("error", err.Error()))
		return
	}

	self := c.cs.Settings().PublicURI()
	for _, u := range users {
		var uri sip.Uri
		if err := sip.ParseUri(u.Entity, &uri); err == nil && uri.User == self.User && uri.Host == self.Host {
			continue
		}
		switch u.State {
		case StateConnected:
			c.cs.participants.Add(u.Entity)
		case StateDisconnected:
			c.cs.participants.Remove(u.Entity)
		}
		contact, state := u.Entity, u.State
		c.cs.forEachChatListener(func(l Listener) { l.HandleConferenceEvent(contact, state) })
	}
}

// Terminate снимает подписку отправкой SUBSCRIBE с Expires: 0
func (c *ConferenceSubscriber) Terminate() {
	if !c.terminated.CompareAndSwap(false, true) || !c.subscribed.Load() {
		return
	}
	c.dialog.IncrementCseq()
	req, err := c.newSubscribe("0")
	if err != nil {
		c.cs.Logger().Warn("ConferenceSubscriber.Terminate", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cs.TransactionTimeout())
	defer cancel()
	if _, err := c.cs.Transport().Request(ctx, req); err != nil {
		c.cs.Logger().Warn("ConferenceSubscriber.Terminate: unsubscribe failed", slog.String("error", err.Error()))
	}
}
