// Package auth реализует повтор запроса с учетными данными после 401/407.
package auth

import (
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
)

var (
	// ErrNoChallenge - ApplyCredentials вызван до OnChallenge
	ErrNoChallenge = errors.New("auth: credentials requested before any challenge")
	// ErrNotAChallenge - ответ не содержит вызова аутентификации
	ErrNotAChallenge = errors.New("auth: response carries no authentication challenge")
)

// Agent хранит последний вызов аутентификации сессии.
// Одновременно отслеживается только один вызов. Агент принадлежит одной сессии
// и переиспользуется для всех ее запросов (INVITE, REFER, UPDATE).
type Agent struct {
	username string
	password string

	mu         sync.Mutex
	challenge  *digest.Challenge
	headerName string
	nc         int
}

func NewAgent(username, password string) *Agent {
	return &Agent{username: username, password: password}
}

// OnChallenge извлекает вызов из 407 (Proxy-Authenticate) или 401 (WWW-Authenticate).
func (a *Agent) OnChallenge(res *sip.Response) error {
	var challengeHeader, credentialsHeader string
	switch res.StatusCode {
	case 407:
		challengeHeader, credentialsHeader = "Proxy-Authenticate", "Proxy-Authorization"
	case 401:
		challengeHeader, credentialsHeader = "WWW-Authenticate", "Authorization"
	default:
		return ErrNotAChallenge
	}

	h := res.GetHeader(challengeHeader)
	if h == nil {
		return ErrNotAChallenge
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return errors.Wrapf(err, "auth: parse %s", challengeHeader)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// тот же realm и nonce - продолжаем счетчик nc
	if a.challenge == nil || a.challenge.Realm != chal.Realm || a.challenge.Nonce != chal.Nonce {
		a.nc = 0
	}
	a.challenge = chal
	a.headerName = credentialsHeader

	slog.Debug("auth.Agent.OnChallenge",
		slog.String("realm", chal.Realm),
		slog.Int("status", int(res.StatusCode)))
	return nil
}

// ApplyCredentials добавляет к запросу заголовок авторизации Digest MD5.
func (a *Agent) ApplyCredentials(req *sip.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.challenge == nil {
		return ErrNoChallenge
	}
	a.nc++

	cred, err := digest.Digest(a.challenge, digest.Options{
		Method:   string(req.Method),
		URI:      req.Recipient.String(),
		Username: a.username,
		Password: a.password,
		Count:    a.nc,
	})
	if err != nil {
		return errors.Wrap(err, "auth: compute digest")
	}
	req.AppendHeader(sip.NewHeader(a.headerName, cred.String()))
	return nil
}

// HasChallenge сообщает, был ли получен вызов
func (a *Agent) HasChallenge() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.challenge != nil
}

// Realm возвращает realm последнего вызова
func (a *Agent) Realm() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.challenge == nil {
		return ""
	}
	return a.challenge.Realm
}
