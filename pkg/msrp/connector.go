package msrp

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/ims_session/pkg/chat"
)

var ErrConnectorClosed = errors.New("msrp: connector closed")

// arrivalTTL - сколько ждет входящее соединение, для которого еще нет сессии
const arrivalTTL = 30 * time.Second

type Config struct {
	Host string
	// Port 0 - выбрать свободный порт
	Port      int
	ChunkSize int
}

// incoming - принятое соединение с уже прочитанным первым сообщением
type incoming struct {
	conn  net.Conn
	r     *bufio.Reader
	first *Message
}

// Connector слушает TCP порт и создает MSRP сессии.
// Входящие соединения сопоставляются с сессиями по From-Path первого SEND.
type Connector struct {
	listener  net.Listener
	host      string
	port      int
	localPath string
	chunkSize int

	mu      sync.Mutex
	waiting map[string]chan *incoming
	arrived map[string]*incoming
	// unread - соединения, первое сообщение которых еще читается
	unread map[net.Conn]struct{}

	closed atomic.Bool
	wg     sync.WaitGroup
	log    *slog.Logger
}

// Listen открывает порт и запускает прием соединений
func Listen(cfg Config) (*Connector, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, errors.Wrap(err, "msrp: listen")
	}
	port := listener.Addr().(*net.TCPAddr).Port
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 2048
	}

	c := &Connector{
		listener:  listener,
		host:      cfg.Host,
		port:      port,
		localPath: fmt.Sprintf("msrp://%s/%s;tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(port)), newID()),
		chunkSize: chunkSize,
		waiting:   make(map[string]chan *incoming),
		arrived:   make(map[string]*incoming),
		unread:    make(map[net.Conn]struct{}),
		log:       slog.Default().With(slog.String("component", "msrp"), slog.Int("port", port)),
	}

	c.wg.Add(1)
	go c.acceptLoop()
	return c, nil
}

func (c *Connector) LocalEndpoint() chat.Endpoint {
	return chat.Endpoint{Host: c.host, Port: c.port, Path: c.localPath}
}

// Connect открывает сессию к remote. Активная сторона подключается сама,
// пассивная ждет соединение удаленной стороны до отмены ctx.
func (c *Connector) Connect(ctx context.Context, remote chat.Endpoint, active bool, h chat.DataHandler) (chat.MsrpSession, error) {
	if c.closed.Load() {
		return nil, ErrConnectorClosed
	}
	if active {
		return c.dial(ctx, remote, h)
	}
	return c.await(ctx, remote, h)
}

func (c *Connector) dial(ctx context.Context, remote chat.Endpoint, h chat.DataHandler) (chat.MsrpSession, error) {
	host, port := remote.Host, remote.Port
	if host == "" || port == 0 {
		var err error
		if host, port, err = pathAddress(remote.Path); err != nil {
			return nil, err
		}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrapf(err, "msrp: dial %s", remote.Path)
	}
	c.log.Debug("Connector.dial", slog.String("remote", remote.Path))
	return c.newSession(conn, bufio.NewReader(conn), remote.Path, h, nil), nil
}

func (c *Connector) await(ctx context.Context, remote chat.Endpoint, h chat.DataHandler) (chat.MsrpSession, error) {
	c.mu.Lock()
	if in, ok := c.arrived[remote.Path]; ok {
		delete(c.arrived, remote.Path)
		c.mu.Unlock()
		return c.newSession(in.conn, in.r, remote.Path, h, in.first), nil
	}
	ch := make(chan *incoming, 1)
	c.waiting[remote.Path] = ch
	c.mu.Unlock()

	select {
	case in := <-ch:
		if in == nil {
			return nil, ErrConnectorClosed
		}
		return c.newSession(in.conn, in.r, remote.Path, h, in.first), nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiting, remote.Path)
		c.mu.Unlock()
		// соединение могло прийти одновременно с отменой
		select {
		case in := <-ch:
			if in != nil {
				_ = in.conn.Close()
			}
		default:
		}
		return nil, errors.Wrap(ctx.Err(), "msrp: wait for connection")
	}
}

func (c *Connector) acceptLoop() {
	defer c.wg.Done()

	for !c.closed.Load() {
		conn, err := c.listener.Accept()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.log.Warn("Connector.acceptLoop", slog.String("error", err.Error()))
			continue
		}
		c.mu.Lock()
		if c.closed.Load() {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.unread[conn] = struct{}{}
		c.mu.Unlock()
		c.wg.Add(1)
		go c.identify(conn)
	}
}

// identify читает первое сообщение и передает соединение ожидающей сессии
func (c *Connector) identify(conn net.Conn) {
	defer c.wg.Done()

	_ = conn.SetReadDeadline(time.Now().Add(arrivalTTL))
	r := bufio.NewReader(conn)
	first, err := ReadMessage(r)

	c.mu.Lock()
	delete(c.unread, conn)
	c.mu.Unlock()
	if err != nil || first.IsResponse() || first.FromPath == "" {
		c.log.Debug("Connector: unidentified connection", slog.String("remote", conn.RemoteAddr().String()))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	in := &incoming{conn: conn, r: r, first: first}
	path := firstPath(first.FromPath)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		_ = conn.Close()
		return
	}
	if ch, ok := c.waiting[path]; ok {
		delete(c.waiting, path)
		ch <- in
		return
	}
	c.arrived[path] = in
	time.AfterFunc(arrivalTTL, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.arrived[path] == in {
			delete(c.arrived, path)
			_ = conn.Close()
		}
	})
}

// Close прекращает прием и закрывает непринятые соединения
func (c *Connector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.listener.Close()

	c.mu.Lock()
	for path, ch := range c.waiting {
		close(ch)
		delete(c.waiting, path)
	}
	for path, in := range c.arrived {
		_ = in.conn.Close()
		delete(c.arrived, path)
	}
	for conn := range c.unread {
		_ = conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return err
}

// pathAddress извлекает хост и порт из msrp://host:port/id;tcp
func pathAddress(path string) (string, int, error) {
	rest, ok := strings.CutPrefix(path, "msrp://")
	if !ok {
		return "", 0, errors.Wrapf(ErrMalformed, "path %q", path)
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return "", 0, errors.Wrapf(ErrMalformed, "path %q", path)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.Wrapf(ErrMalformed, "path %q", path)
	}
	return host, port, nil
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

var _ chat.MsrpConnector = (*Connector)(nil)
