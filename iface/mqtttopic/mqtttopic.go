// Package mqtttopic implements an iface.Interface over an MQTT broker:
// packets are base64-encoded and published to a single mesh topic,
// mirroring how Reticulum's own TCP/UDP interfaces treat a shared medium
// as one flat broadcast domain rather than a point-to-point link.
package mqtttopic

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/hexmesh/reticulum-go/core/codec"
	"github.com/hexmesh/reticulum-go/core/hash"
	"github.com/hexmesh/reticulum-go/iface"
)

const DefaultTopicPrefix = "rns"

// Config configures an MQTT-backed interface.
type Config struct {
	Broker      string
	Username    string
	Password    string
	UseTLS      bool
	ClientID    string
	TopicPrefix string
	// MeshID identifies the shared topic this interface publishes to and
	// subscribes from: "{TopicPrefix}/{MeshID}".
	MeshID string
	Logger *slog.Logger
}

// Interface is an iface.Interface backed by a single MQTT topic shared
// by every node in the mesh.
type Interface struct {
	cfg    Config
	addr   hash.AddressHash
	client paho.Client
	log    *slog.Logger

	mu        sync.RWMutex
	connected bool
	handler   iface.InboundHandler
}

var _ iface.Interface = (*Interface)(nil)

// New creates an MQTT interface.
func New(cfg Config) *Interface {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Interface{
		cfg:  cfg,
		addr: hash.Compute([]byte("mqtttopic"), []byte(cfg.TopicPrefix), []byte(cfg.MeshID)),
		log:  logger.WithGroup("mqtttopic").With("topic", cfg.TopicPrefix+"/"+cfg.MeshID),
	}
}

// Address implements iface.Interface.
func (i *Interface) Address() hash.AddressHash { return i.addr }

// Name implements iface.Interface.
func (i *Interface) Name() string { return i.topic() }

// SetInboundHandler implements iface.Interface.
func (i *Interface) SetInboundHandler(fn iface.InboundHandler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handler = fn
}

// IsConnected implements iface.Interface.
func (i *Interface) IsConnected() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.connected && i.client != nil && i.client.IsConnected()
}

func (i *Interface) topic() string {
	return i.cfg.TopicPrefix + "/" + i.cfg.MeshID
}

// Start connects to the broker and subscribes to the mesh topic. The
// passed context is not used: the connect attempt waits up to 30 seconds,
// paho manages its own reconnect loop internally, and
// Stop is the only supported way to tear the interface down, matching
// the ambient client library's own lifecycle model.
func (i *Interface) Start(ctx context.Context) error {
	if i.cfg.Broker == "" {
		return errors.New("mqtttopic: broker URL is required")
	}
	if i.cfg.MeshID == "" {
		return errors.New("mqtttopic: mesh ID is required")
	}

	clientID := i.cfg.ClientID
	if clientID == "" {
		clientID = "reticulum-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(i.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(i.onConnected).
		SetConnectionLostHandler(i.onConnectionLost)

	if i.cfg.Username != "" {
		opts.SetUsername(i.cfg.Username)
	}
	if i.cfg.Password != "" {
		opts.SetPassword(i.cfg.Password)
	}
	if i.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	i.client = paho.NewClient(opts)

	token := i.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("mqtttopic: connection timeout")
	}
	return token.Error()
}

// Stop disconnects from the broker.
func (i *Interface) Stop() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.client != nil {
		i.client.Disconnect(1000)
		i.connected = false
	}
	return nil
}

// Send base64-encodes pkt and publishes it to the mesh topic.
func (i *Interface) Send(pkt *codec.Packet) error {
	if !i.IsConnected() {
		return errors.New("mqtttopic: not connected")
	}

	raw, err := pkt.Encode()
	if err != nil {
		return fmt.Errorf("encoding packet: %w", err)
	}
	payload := base64.StdEncoding.EncodeToString(raw)

	token := i.client.Publish(i.topic(), 0, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("mqtttopic: timeout publishing")
	}
	return token.Error()
}

func (i *Interface) subscribe() {
	i.client.Subscribe(i.topic(), 0, i.handleMessage)
	i.log.Debug("subscribed to mesh topic")
}

func (i *Interface) handleMessage(_ paho.Client, message paho.Message) {
	i.mu.RLock()
	handler := i.handler
	i.mu.RUnlock()
	if handler == nil {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(string(message.Payload()))
	if err != nil {
		i.log.Debug("failed to decode base64 payload", "error", err)
		return
	}

	pkt, err := codec.Decode(raw)
	if err != nil {
		i.log.Debug("failed to decode packet", "error", err)
		return
	}

	handler(pkt, i)
}

func (i *Interface) onConnected(_ paho.Client) {
	i.mu.Lock()
	i.connected = true
	i.mu.Unlock()

	i.subscribe()
	i.log.Info("connected to MQTT broker", "broker", i.cfg.Broker)
}

func (i *Interface) onConnectionLost(_ paho.Client, err error) {
	i.mu.Lock()
	i.connected = false
	i.mu.Unlock()
	i.log.Error("MQTT connection lost", "error", err)
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for idx := range b {
		b[idx] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
