package xhttp

import (
	"os"
	"os/signal"
	"reflect"
	"runtime"
	"slices"
	"syscall"
	"time"

	"github.com/nimasrn/mass-mailer/pkg/logger"
	"github.com/valyala/fasthttp"
)

type Server = fasthttp.Server

// ServerOption is the tunable subset of fasthttp.Server used by the services.
// Zero durations and sizes fall back to DefaultServerOption.
type ServerOption struct {
	Name string

	// ReadTimeout bounds reading the whole request, body included.
	ReadTimeout time.Duration

	// WriteTimeout must exceed the longest progress long-poll, otherwise
	// waiting clients are cut before their deadline.
	WriteTimeout time.Duration

	// idle keep-alive connections are closed after this long to avoid
	// running out of file descriptors
	IdleTimeout time.Duration

	ReadBufferSize  int
	WriteBufferSize int

	// CSV uploads arrive as multipart bodies, so this also caps the file size.
	MaxRequestBodySize int

	Concurrency   int
	MaxConnsPerIP int
}

var DefaultServerOption = ServerOption{
	Name:               "mass-mailer",
	ReadTimeout:        10 * time.Second,
	WriteTimeout:       60 * time.Second,
	IdleTimeout:        10 * time.Second,
	ReadBufferSize:     8 * 1024,
	WriteBufferSize:    8 * 1024,
	MaxRequestBodySize: 16 * 1024 * 1024,
	Concurrency:        30_000,
	MaxConnsPerIP:      10_000,
}

func (o ServerOption) withDefaults() ServerOption {
	d := DefaultServerOption
	if o.Name == "" {
		o.Name = d.Name
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = d.ReadBufferSize
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = d.WriteBufferSize
	}
	if o.MaxRequestBodySize <= 0 {
		o.MaxRequestBodySize = d.MaxRequestBodySize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.MaxConnsPerIP <= 0 {
		o.MaxConnsPerIP = d.MaxConnsPerIP
	}
	return o
}

type Engine struct {
	*Router
	*Server
	middle []MiddlewareFunc
}

func newServer(o ServerOption) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:                       NotFoundHandler,
		Name:                          o.Name,
		Concurrency:                   o.Concurrency,
		ReadBufferSize:                o.ReadBufferSize,
		WriteBufferSize:               o.WriteBufferSize,
		ReadTimeout:                   o.ReadTimeout,
		WriteTimeout:                  o.WriteTimeout,
		IdleTimeout:                   o.IdleTimeout,
		MaxConnsPerIP:                 o.MaxConnsPerIP,
		MaxRequestBodySize:            o.MaxRequestBodySize,
		TCPKeepalive:                  true,
		LogAllErrors:                  true,
		NoDefaultServerHeader:         true,
		NoDefaultContentType:          true,
		CloseOnShutdown:               true,
		DisableHeaderNamesNormalizing: false,
		ErrorHandler: func(ctx *RequestCtx, err error) {
			logger.Error("[xhttp] request error", "error", err, "path", string(ctx.Path()))
			ctx.Error(StatusText(StatusBadRequest), StatusBadRequest)
		},
		Logger: logger.GetLogger(),
	}
}

func NewServer(options ServerOption) *Engine {
	return &Engine{
		Server: newServer(options.withDefaults()),
		Router: CreateDefaultRouter(),
	}
}

func CreateServer() *Engine {
	return NewServer(DefaultServerOption)
}

func (e *Engine) ListenAndServe(addr string) error {
	e.DoRouting()
	logger.Info("[xhttp] server is listening", "addr", addr)
	return e.Server.ListenAndServe(addr)
}

// DoRouting installs the router as the server handler wrapped by the
// registered middlewares, first registered being outermost.
func (e *Engine) DoRouting() {
	for method, routes := range e.Router.List() {
		for _, r := range routes {
			logger.Debug("[xhttp] route", "method", method, "path", r)
		}
	}

	e.Server.Handler = e.Router.Handler
	middle := slices.Clone(e.middle)
	slices.Reverse(middle)
	for i, m := range middle {
		e.Server.Handler = m(e.Server.Handler)
		logger.Debug("[xhttp] middleware registered", "order", len(middle)-i, "name", runtime.FuncForPC(reflect.ValueOf(m).Pointer()).Name())
	}
}

// Handler returns the fully wrapped request handler, mainly for tests.
func (e *Engine) Handler() RequestHandler {
	e.DoRouting()
	return e.Server.Handler
}

// Use adds middleware to the end of the chain.
func (e *Engine) Use(middleware MiddlewareFunc) {
	e.middle = append(e.middle, middleware)
}

// CloseOnSignal shuts the server down on SIGINT, SIGTERM or SIGQUIT.
func (e *Engine) CloseOnSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig
		e.Shutdown()
	}()
}

// Shutdown gracefully shuts down the server without interrupting any active connections.
func (e *Engine) Shutdown() {
	logger.Info("[xhttp] server is shutting down", "pid", os.Getpid())
	if err := e.Server.Shutdown(); err != nil {
		logger.Error("[xhttp] error while shutting down", "error", err)
	}
}
