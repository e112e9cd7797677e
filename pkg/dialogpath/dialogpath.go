package dialogpath

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

type tagGen func() string
type callIDGen func() string

var (
	newTag    tagGen    = func() string { return sip.RandString(8) }
	newCallID callIDGen = func() string { return sip.RandString(32) }
)

// ErrNoCallID возвращается при создании терминирующего пути из запроса без Call-ID
var ErrNoCallID = errors.New("request has no Call-ID")

// Params описывает адресацию исходящего диалога.
type Params struct {
	// Local - адрес локального участника (From)
	Local sip.Uri
	// Remote - адрес удаленного участника (To)
	Remote sip.Uri
	// Target - Request-URI первого запроса. Если пусто, используется Remote
	Target sip.Uri
	// Contact - локальный Contact
	Contact     sip.Uri
	DisplayName string
	// ServiceRoute - маршрут, полученный при регистрации
	ServiceRoute []sip.Uri
}

// DialogPath хранит идентификацию одного SIP диалога и состояние согласования.
//
// Call-ID неизменен все время жизни диалога. CSeq только растет.
// Три вехи (signaling established, session established, session terminated)
// переключаются один раз и никогда не сбрасываются.
type DialogPath struct {
	mu sync.RWMutex

	callID      sip.CallIDHeader
	cseq        atomic.Uint32
	originating bool

	target       sip.Uri
	localParty   sip.Uri
	remoteParty  sip.Uri
	localContact sip.Uri
	displayName  string
	routeSet     []sip.Uri

	localTag  string
	remoteTag string

	localContent  Body
	remoteContent Body

	sessionExpireTime int
	minSE             int

	// invite - первый INVITE диалога (отправленный или полученный)
	invite *sip.Request

	signalingEstablished atomic.Bool
	sessionEstablished   atomic.Bool
	sessionTerminated    atomic.Bool
}

// NewOriginating создает путь диалога для исходящей сессии.
// Call-ID и локальный тег генерируются, CSeq начинается с 1.
func NewOriginating(p Params) *DialogPath {
	target := p.Target
	if target.Host == "" {
		target = p.Remote
	}
	d := &DialogPath{
		callID:       sip.CallIDHeader(newCallID()),
		originating:  true,
		target:       target,
		localParty:   p.Local,
		remoteParty:  p.Remote,
		localContact: p.Contact,
		displayName:  p.DisplayName,
		routeSet:     append([]sip.Uri(nil), p.ServiceRoute...),
		localTag:     newTag(),
	}
	d.cseq.Store(1)
	return d
}

// NewTerminating создает путь диалога из входящего INVITE.
func NewTerminating(invite *sip.Request, contact sip.Uri) (*DialogPath, error) {
	callID := invite.CallID()
	if callID == nil {
		return nil, ErrNoCallID
	}

	d := &DialogPath{
		callID:       *callID,
		localContact: contact,
		localTag:     newTag(),
		invite:       invite,
	}

	if c := invite.Contact(); c != nil {
		d.target = c.Address
	} else if from := invite.From(); from != nil {
		d.target = from.Address
	}
	if to := invite.To(); to != nil {
		d.localParty = to.Address
	}
	if from := invite.From(); from != nil {
		d.remoteParty = from.Address
		d.remoteTag = GetFromTag(invite)
	}
	if cseq := invite.CSeq(); cseq != nil {
		d.cseq.Store(cseq.SeqNo)
	}
	d.routeSet = RecordRoutes(invite)

	if len(invite.Body()) > 0 {
		d.remoteContent = NewBody(ContentType(invite), invite.Body())
	}
	if v := invite.GetHeader("Session-Expires"); v != nil {
		d.sessionExpireTime, _ = ParseDeltaSeconds(v.Value())
	}
	return d, nil
}

// CallID возвращает Call-ID диалога
func (d *DialogPath) CallID() sip.CallIDHeader {
	return d.callID
}

// IsOriginating сообщает, создан ли диалог локальной стороной
func (d *DialogPath) IsOriginating() bool {
	return d.originating
}

// CSeq возвращает текущий локальный CSeq без увеличения
func (d *DialogPath) CSeq() uint32 {
	return d.cseq.Load()
}

// IncrementCseq увеличивает CSeq перед отправкой нового запроса и возвращает новое значение.
func (d *DialogPath) IncrementCseq() uint32 {
	return d.cseq.Add(1)
}

func (d *DialogPath) Target() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.target
}

func (d *DialogPath) SetTarget(target sip.Uri) {
	d.mu.Lock()
	d.target = target
	d.mu.Unlock()
}

func (d *DialogPath) LocalParty() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localParty
}

func (d *DialogPath) RemoteParty() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteParty
}

func (d *DialogPath) LocalContact() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localContact
}

// Route возвращает копию набора маршрутов
func (d *DialogPath) Route() []sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]sip.Uri(nil), d.routeSet...)
}

func (d *DialogPath) SetRoute(route []sip.Uri) {
	d.mu.Lock()
	d.routeSet = append([]sip.Uri(nil), route...)
	d.mu.Unlock()
}

func (d *DialogPath) LocalTag() string {
	return d.localTag
}

func (d *DialogPath) RemoteTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTag
}

func (d *DialogPath) SetRemoteTag(tag string) {
	d.mu.Lock()
	d.remoteTag = tag
	d.mu.Unlock()
}

func (d *DialogPath) LocalContent() Body {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localContent
}

func (d *DialogPath) SetLocalContent(b Body) {
	d.mu.Lock()
	d.localContent = b
	d.mu.Unlock()
}

func (d *DialogPath) RemoteContent() Body {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteContent
}

func (d *DialogPath) SetRemoteContent(b Body) {
	d.mu.Lock()
	d.remoteContent = b
	d.mu.Unlock()
}

// SessionExpireTime возвращает значение Session-Expires в секундах (0 - таймер не согласован)
func (d *DialogPath) SessionExpireTime() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessionExpireTime
}

func (d *DialogPath) SetSessionExpireTime(seconds int) {
	d.mu.Lock()
	d.sessionExpireTime = seconds
	d.mu.Unlock()
}

// MinSE возвращает Min-SE, полученный в 422
func (d *DialogPath) MinSE() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.minSE
}

func (d *DialogPath) SetMinSE(seconds int) {
	d.mu.Lock()
	d.minSE = seconds
	d.mu.Unlock()
}

// Invite возвращает первый INVITE диалога
func (d *DialogPath) Invite() *sip.Request {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.invite
}

func (d *DialogPath) SetInvite(req *sip.Request) {
	d.mu.Lock()
	d.invite = req
	d.mu.Unlock()
}

// SignalingEstablished отмечает получение 2xx на INVITE.
// Возвращает true, если вызов переключил веху.
func (d *DialogPath) SignalingEstablished() bool {
	return d.signalingEstablished.CompareAndSwap(false, true)
}

func (d *DialogPath) IsSignalingEstablished() bool {
	return d.signalingEstablished.Load()
}

// SessionEstablished отмечает завершение согласования (ACK отправлен или получен).
func (d *DialogPath) SessionEstablished() bool {
	return d.sessionEstablished.CompareAndSwap(false, true)
}

func (d *DialogPath) IsSessionEstablished() bool {
	return d.sessionEstablished.Load()
}

// SessionTerminated отмечает завершение диалога. Повторный вызов ничего не меняет
// и возвращает false.
func (d *DialogPath) SessionTerminated() bool {
	return d.sessionTerminated.CompareAndSwap(false, true)
}

func (d *DialogPath) IsSessionTerminated() bool {
	return d.sessionTerminated.Load()
}

// ID возвращает ключ диалога "callID:localTag:remoteTag".
func (d *DialogPath) ID() string {
	remote := d.RemoteTag()
	if remote == "" {
		remote = "pending"
	}
	return string(d.callID) + ":" + d.localTag + ":" + remote
}

// String нужен для логов
func (d *DialogPath) String() string {
	return d.ID() + " cseq=" + strconv.FormatUint(uint64(d.CSeq()), 10)
}
