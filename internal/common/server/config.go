package server

import (
	"net"
	"net/http"
	"time"

	"github.com/AlibekovAA/clinic-auth/internal/common/constants"
)

// Config describes the listener of an API process.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// NewConfig listens on port on every interface. WriteTimeout is at least
// requestTimeout plus ServerWriteSlack.
func NewConfig(port string, requestTimeout time.Duration) Config {
	cfg := Config{
		Addr:              net.JoinHostPort("", port),
		ReadHeaderTimeout: constants.ServerReadHeaderTimeout,
		ReadTimeout:       constants.ServerReadTimeout,
		WriteTimeout:      constants.ServerWriteTimeout,
		IdleTimeout:       constants.ServerIdleTimeout,
		MaxHeaderBytes:    constants.ServerMaxHeaderBytes,
	}
	if floor := requestTimeout + constants.ServerWriteSlack; cfg.WriteTimeout < floor {
		cfg.WriteTimeout = floor
	}
	return cfg
}

func (c Config) NewServer(handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              c.Addr,
		Handler:           handler,
		ReadHeaderTimeout: c.ReadHeaderTimeout,
		ReadTimeout:       c.ReadTimeout,
		WriteTimeout:      c.WriteTimeout,
		IdleTimeout:       c.IdleTimeout,
		MaxHeaderBytes:    c.MaxHeaderBytes,
	}
}
