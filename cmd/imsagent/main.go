// Команда imsagent - IMS клиент мгновенных сообщений: принимает и открывает
// чат сессии, отвечает на запросы возможностей и отдает метрики Prometheus.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/ims_session/pkg/capability"
	"github.com/arzzra/ims_session/pkg/chat"
	"github.com/arzzra/ims_session/pkg/config"
	"github.com/arzzra/ims_session/pkg/dispatcher"
	"github.com/arzzra/ims_session/pkg/metrics"
	"github.com/arzzra/ims_session/pkg/msrp"
	"github.com/arzzra/ims_session/pkg/session"
	"github.com/arzzra/ims_session/pkg/siptransport"
)

type options struct {
	accept bool
	chatTo string
	text   string
}

func main() {
	var (
		configPath = flag.String("config", "imsagent.yaml", "Путь к файлу настроек")
		debug      = flag.Bool("debug", false, "Отладочный лог и трассировка SIP")
		accept     = flag.Bool("accept", true, "Принимать входящие чаты автоматически")
		chatTo     = flag.String("chat", "", "Открыть чат с контактом (SIP URI)")
		text       = flag.String("text", "", "Первое сообщение чата")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
		sip.SIPDebug = true
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	settings, err := config.Load(*configPath)
	if err != nil {
		slog.Error("imsagent: настройки", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, settings, options{accept: *accept, chatTo: *chatTo, text: *text})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("imsagent: остановлен с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("imsagent: остановлен")
}

func run(ctx context.Context, settings *config.Settings, opts options) error {
	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)

	transport, err := siptransport.New(settings)
	if err != nil {
		return err
	}
	defer transport.Close()

	connector, err := msrp.Listen(msrp.Config{
		Host:      settings.MsrpHost(),
		Port:      settings.Msrp.Port,
		ChunkSize: settings.Msrp.ChunkSize,
	})
	if err != nil {
		return err
	}
	defer connector.Close()

	out := &console{accept: opts.accept}
	caps := capability.NewService(capability.Config{
		Settings:  settings,
		Transport: transport,
		Listener:  out,
		Metrics:   collector,
	})
	im := chat.NewService(chat.ServiceConfig{
		Settings:   settings,
		Transport:  transport,
		Msrp:       connector,
		Capability: caps,
		Metrics:    collector,
		Listener:   out,
	})

	d := dispatcher.New(dispatcher.Config{
		Services: dispatcher.Services{IM: im, Capability: caps},
		Metrics:  collector,
	})
	transport.Handle(d.Post)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return transport.ListenAndServe(ctx) })
	g.Go(func() error { return d.Run(ctx) })

	if settings.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              settings.Metrics.Listen,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("imsagent: метрики", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if opts.chatTo != "" {
		var contact sip.Uri
		if err := sip.ParseUri(opts.chatTo, &contact); err != nil {
			return errors.Wrapf(err, "imsagent: контакт %q", opts.chatTo)
		}
		g.Go(func() error {
			cs, err := im.InitiateOneOneChatSession(contact, opts.text, out)
			if err != nil {
				return errors.Wrap(err, "imsagent: открыть чат")
			}
			slog.Info("imsagent: чат открывается", slog.String("session", cs.ID()))
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		im.AbortAll(session.AbortSystem)
		caps.Wait()
		return nil
	})

	slog.Info("imsagent: запущен",
		slog.String("user", settings.User.PublicURI),
		slog.String("transport", string(settings.Transport.Type)))
	return g.Wait()
}
