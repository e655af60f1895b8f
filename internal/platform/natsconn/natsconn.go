// Package natsconn opens NATS connections with env-tunable reconnect
// behaviour. Callers decide what an empty URL means; Connect refuses it.
package natsconn

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Options configures the NATS connection. Zero values fall back to env
// vars or built-in defaults.
type Options struct {
	URL           string
	Name          string
	MaxReconnects int           // NATS_MAX_RECONNECTS, default 5
	ReconnectWait time.Duration // NATS_RECONNECT_WAIT, default 2s
	Timeout       time.Duration // NATS_CONNECT_TIMEOUT, default 2s
}

// ErrNoURL is returned when neither Options.URL nor NATS_URL is set.
var ErrNoURL = errors.New("natsconn: no NATS URL configured")

// Connect dials NATS once and fails fast if the server is unreachable.
func Connect(opts Options) (*nats.Conn, error) {
	opts = withDefaults(opts)
	if opts.URL == "" {
		return nil, ErrNoURL
	}

	natsOpts := []nats.Option{
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.Timeout(opts.Timeout),
		nats.RetryOnFailedConnect(false),
	}
	if opts.Name != "" {
		natsOpts = append(natsOpts, nats.Name(opts.Name))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s (max_reconnects=%d, wait=%s): %w",
			opts.URL, opts.MaxReconnects, opts.ReconnectWait, err)
	}
	return nc, nil
}

func withDefaults(opts Options) Options {
	if opts.URL == "" {
		opts.URL = strings.TrimSpace(os.Getenv("NATS_URL"))
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = envInt("NATS_MAX_RECONNECTS", 5)
	}
	if opts.ReconnectWait == 0 {
		opts.ReconnectWait = envDuration("NATS_RECONNECT_WAIT", 2*time.Second)
	}
	if opts.Timeout == 0 {
		opts.Timeout = envDuration("NATS_CONNECT_TIMEOUT", 2*time.Second)
	}
	return opts
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
