// Package publish implements the period-close publisher: an embedded NATS
// server the engine both hosts and publishes to, substituting for the
// source system's external Redis pub/sub sink while keeping the same
// "fire and forget, one message per equipment per period" contract.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/trafficeng/trafficeng/internal/store"
	"github.com/trafficeng/trafficeng/internal/xerrors"
)

// Config configures the embedded broker and the subject stats are
// published under.
type Config struct {
	Host        string
	Port        int
	ChannelName string
}

// Publisher hosts an embedded NATS server and publishes closed-period
// statistics to it. It implements period.Publisher.
type Publisher struct {
	server  *server.Server
	conn    *nats.Conn
	channel string
}

// New starts the embedded broker and connects a client to it.
func New(cfg Config) (*Publisher, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ChannelName == "" {
		cfg.ChannelName = "traffic.stats"
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, xerrors.New(xerrors.PublisherFailed, "publish.New", fmt.Errorf("create embedded nats server: %w", err))
	}

	go ns.Start()
	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, xerrors.New(xerrors.PublisherFailed, "publish.New", fmt.Errorf("embedded nats server not ready after 2s"))
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, xerrors.New(xerrors.PublisherFailed, "publish.New", fmt.Errorf("connect to embedded nats: %w", err))
	}

	slog.Info("publisher started", "component", "publish", "url", ns.ClientURL(), "channel", cfg.ChannelName)

	return &Publisher{server: ns, conn: nc, channel: cfg.ChannelName}, nil
}

// subject builds the per-equipment subject stats for equipmentID are
// published under.
func (p *Publisher) subject(equipmentID string) string {
	return p.channel + "." + equipmentID
}

// Publish emits one message containing stats to the equipment's subject.
func (p *Publisher) Publish(_ context.Context, stats store.AllZonesStats) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return xerrors.New(xerrors.PublisherFailed, "Publisher.Publish", err)
	}
	if err := p.conn.Publish(p.subject(stats.EquipmentID), payload); err != nil {
		return xerrors.New(xerrors.PublisherFailed, "Publisher.Publish", err)
	}
	return nil
}

// Close drains the client connection and shuts down the embedded server.
func (p *Publisher) Close() {
	_ = p.conn.Drain()
	p.server.Shutdown()
}
