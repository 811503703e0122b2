package application

import (
	"time"

	"github.com/DODOEX/liquidity-sync/utils/config"
	"github.com/fasthttp/router"
	"github.com/knadh/koanf/v2"
	"github.com/valyala/fasthttp"
)

type Application struct {
	AppName               string
	Network               string
	Hostname              string
	Port                  string
	Prefork               bool
	IdleTimeout           time.Duration
	EnablePrintRoutes     bool
	DisableStartupMessage bool
	Router                *router.Router
	s                     *fasthttp.Server
}

func NewApplication(cfg *koanf.Koanf) *Application {
	var network string
	if cfg.Get("app.network") != nil {
		network = cfg.String("app.network")
	}
	hostname, port := config.ParseAddress(cfg.String("app.host"))
	if hostname == "" {
		if network == "tcp6" {
			hostname = "[::1]"
		} else {
			hostname = "0.0.0.0"
		}
	}
	application := &Application{
		Network:               network,
		Hostname:              hostname,
		Port:                  port,
		AppName:               cfg.String("app.name"),
		Prefork:               cfg.Bool("app.prefork"),
		IdleTimeout:           cfg.Duration("app.idle-timeout"),
		EnablePrintRoutes:     cfg.Bool("app.print-routes"),
		DisableStartupMessage: true,
		Router:                router.New(),
	}

	return application
}

func (a *Application) HandlersCount() int {
	if a.s == nil {
		return 0
	}
	return int(a.s.GetOpenConnectionsCount())
}

func (a *Application) Run() error {
	a.s = &fasthttp.Server{
		Name:            a.AppName,
		Handler:         a.Router.Handler,
		IdleTimeout:     a.IdleTimeout,
		ReadBufferSize:  4096 * 20,
		WriteBufferSize: 4096 * 20,
	}
	return a.s.ListenAndServe(a.Hostname + ":" + a.Port)
}

// Shutdown stops the server gracefully; it is a no-op before Run.
func (a *Application) Shutdown() error {
	if a.s == nil {
		return nil
	}
	return a.s.Shutdown()
}
