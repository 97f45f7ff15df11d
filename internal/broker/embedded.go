package broker

import (
	"fmt"
	"log/slog"
	"net"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Embedded is an in-process MQTT broker used by the demo and by tests.
type Embedded struct {
	srv  *mochi.Server
	addr string
}

// NewEmbedded creates a broker listening on addr. An addr ending in ":0"
// is resolved to a free port first.
func NewEmbedded(addr string, l *slog.Logger) (*Embedded, error) {
	if l == nil {
		l = slog.Default()
	}
	resolved, err := resolveAddr(addr)
	if err != nil {
		return nil, err
	}

	srv := mochi.New(&mochi.Options{
		Logger:       l.With(slog.String("component", "mqtt-broker")),
		InlineClient: true,
	})
	if err := srv.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, err
	}
	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: resolved})
	if err := srv.AddListener(tcp); err != nil {
		return nil, err
	}
	return &Embedded{srv: srv, addr: resolved}, nil
}

// Start begins serving in the background.
func (e *Embedded) Start() error {
	return e.srv.Serve()
}

// Addr is the host:port the broker listens on.
func (e *Embedded) Addr() string { return e.addr }

// URL is the tcp:// URL clients connect to.
func (e *Embedded) URL() string { return "tcp://" + e.addr }

// Subscribe delivers every message matching filter to fn.
func (e *Embedded) Subscribe(filter string, id int, fn func(topic string, payload []byte)) error {
	return e.srv.Subscribe(filter, id, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		fn(pk.TopicName, append([]byte(nil), pk.Payload...))
	})
}

// Close stops the broker.
func (e *Embedded) Close() error {
	return e.srv.Close()
}

func resolveAddr(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid broker address %q: %w", addr, err)
	}
	if port != "0" {
		return addr, nil
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}
