// Package config содержит настройки клиента. Ядро сессий только читает их.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type TransportType string

const (
	TransportUDP TransportType = "UDP"
	TransportTCP TransportType = "TCP"
	TransportTLS TransportType = "TLS"
	TransportWS  TransportType = "WS"
	TransportWSS TransportType = "WSS"
)

// Settings - полный набор настроек клиента
type Settings struct {
	User      User      `yaml:"user"`
	Transport Transport `yaml:"transport"`
	Services  Services  `yaml:"services"`
	Session   Session   `yaml:"session"`
	Chat      Chat      `yaml:"chat"`
	Msrp      Msrp      `yaml:"msrp"`
	Metrics   Metrics   `yaml:"metrics"`
}

// User - профиль IMS пользователя
type User struct {
	DisplayName string `yaml:"display_name"`
	// PublicURI - публичный идентификатор (IMPU)
	PublicURI string `yaml:"public_uri"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// ServiceRoute - маршрут из регистрации, в порядке следования
	ServiceRoute []string `yaml:"service_route"`
}

// Transport - локальный SIP транспорт
type Transport struct {
	Type      TransportType `yaml:"type"`
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	UserAgent string        `yaml:"user_agent"`
}

// Services - флаги активации сервисов
type Services struct {
	InstantMessaging bool `yaml:"instant_messaging"`
	RichCall         bool `yaml:"rich_call"`
	Presence         bool `yaml:"presence"`
	Capability       bool `yaml:"capability"`
}

// Session - тайминги сессий
type Session struct {
	// RingingPeriod - ожидание ответа пользователя на входящее приглашение
	RingingPeriod time.Duration `yaml:"ringing_period"`
	// TransactionTimeout - ожидание окончательного ответа на запрос
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
	// SessionExpires - предлагаемый Session-Expires, секунды
	SessionExpires int `yaml:"session_expires"`
	// MinSE - минимальный Session-Expires, секунды
	MinSE int `yaml:"min_se"`
}

// Chat - настройки чата
type Chat struct {
	IdleDuration    time.Duration `yaml:"idle_duration"`
	MaxParticipants int           `yaml:"max_participants"`
	// ConferenceURI - фабрика конференций для групповых чатов
	ConferenceURI string `yaml:"conference_uri"`
	// IMDN - запрашивать уведомления о доставке и прочтении
	IMDN bool `yaml:"imdn"`
}

// Msrp - локальная сторона MSRP по TCP. Пустой Host - хост SIP транспорта.
type Msrp struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ChunkSize - максимальный размер тела одного SEND
	ChunkSize int `yaml:"chunk_size"`
}

// Metrics - экспорт метрик Prometheus
type Metrics struct {
	Listen string `yaml:"listen"`
}

// Default возвращает настройки по умолчанию
func Default() *Settings {
	return &Settings{
		Transport: Transport{
			Type:      TransportUDP,
			Host:      "127.0.0.1",
			Port:      5060,
			UserAgent: "IMSSession/1.0",
		},
		Services: Services{
			InstantMessaging: true,
			Capability:       true,
		},
		Session: Session{
			RingingPeriod:      30 * time.Second,
			TransactionTimeout: 30 * time.Second,
			SessionExpires:     1800,
			MinSE:              90,
		},
		Chat: Chat{
			IdleDuration:    5 * time.Minute,
			MaxParticipants: 10,
		},
		Msrp: Msrp{
			Port:      2855,
			ChunkSize: 2048,
		},
	}
}

// Parse читает YAML поверх значений по умолчанию
func Parse(data []byte) (*Settings, error) {
	s := Default()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, errors.Wrap(err, "config: parse yaml")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load читает настройки из файла
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	return Parse(data)
}

// Validate проверяет корректность настроек
func (s *Settings) Validate() error {
	if s.User.PublicURI == "" {
		return fmt.Errorf("публичный URI пользователя не может быть пустым")
	}
	var uri sip.Uri
	if err := sip.ParseUri(s.User.PublicURI, &uri); err != nil {
		return fmt.Errorf("некорректный публичный URI %q: %w", s.User.PublicURI, err)
	}
	for _, r := range s.User.ServiceRoute {
		if err := sip.ParseUri(r, &uri); err != nil {
			return fmt.Errorf("некорректный service route %q: %w", r, err)
		}
	}
	if err := s.Transport.Validate(); err != nil {
		return err
	}
	if s.Session.SessionExpires != 0 && s.Session.SessionExpires < 90 {
		return fmt.Errorf("session_expires %d меньше 90 секунд", s.Session.SessionExpires)
	}
	if s.Session.RingingPeriod <= 0 || s.Session.TransactionTimeout <= 0 {
		return fmt.Errorf("таймауты сессии должны быть положительными")
	}
	if s.Chat.IdleDuration <= 0 {
		return fmt.Errorf("idle_duration должен быть положительным")
	}
	if s.Chat.MaxParticipants < 2 {
		return fmt.Errorf("max_participants должен быть не меньше 2")
	}
	if s.Msrp.Port < 0 || s.Msrp.Port > 65535 {
		return fmt.Errorf("некорректный порт MSRP %d", s.Msrp.Port)
	}
	if s.Msrp.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size MSRP должен быть положительным")
	}
	if s.Chat.ConferenceURI != "" {
		if err := sip.ParseUri(s.Chat.ConferenceURI, &uri); err != nil {
			return fmt.Errorf("некорректный conference_uri %q: %w", s.Chat.ConferenceURI, err)
		}
	}
	return nil
}

// Validate проверяет конфигурацию транспорта
func (t Transport) Validate() error {
	switch t.Type {
	case TransportUDP, TransportTCP, TransportTLS, TransportWS, TransportWSS:
	default:
		return fmt.Errorf("неподдерживаемый тип транспорта: %s", t.Type)
	}
	if t.Host == "" {
		return fmt.Errorf("хост транспорта не может быть пустым")
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("некорректный порт %d", t.Port)
	}
	return nil
}

// PublicURI возвращает разобранный публичный URI
func (s *Settings) PublicURI() sip.Uri {
	var uri sip.Uri
	_ = sip.ParseUri(s.User.PublicURI, &uri)
	return uri
}

// ServiceRoute возвращает разобранный маршрут
func (s *Settings) ServiceRoute() []sip.Uri {
	route := make([]sip.Uri, 0, len(s.User.ServiceRoute))
	for _, r := range s.User.ServiceRoute {
		var uri sip.Uri
		if err := sip.ParseUri(r, &uri); err == nil {
			route = append(route, uri)
		}
	}
	return route
}

// ContactURI возвращает локальный Contact для транспорта
func (s *Settings) ContactURI() sip.Uri {
	pub := s.PublicURI()
	return sip.Uri{
		Scheme: "sip",
		User:   pub.User,
		Host:   s.Transport.Host,
		Port:   s.Transport.Port,
	}
}

// MsrpHost возвращает адрес MSRP стороны
func (s *Settings) MsrpHost() string {
	if s.Msrp.Host != "" {
		return s.Msrp.Host
	}
	return s.Transport.Host
}

// ConferenceURI возвращает адрес фабрики конференций
func (s *Settings) ConferenceURI() sip.Uri {
	var uri sip.Uri
	_ = sip.ParseUri(s.Chat.ConferenceURI, &uri)
	return uri
}
