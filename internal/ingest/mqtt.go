package ingest

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// mqttEvent is the wire shape engine-side scripts publish on the track
// topic. Field names follow the webhook body.
type mqttEvent struct {
	Kind      string            `json:"kind"`
	EpochMS   int64             `json:"epoch_ms"`
	Title     string            `json:"title"`
	Artist    string            `json:"artist"`
	Album     string            `json:"album"`
	SourceURI string            `json:"source_uri"`
	Extra     map[string]string `json:"extra"`
}

// MQTTOptions configures the optional broker source.
type MQTTOptions struct {
	BrokerURL string
	Topic     string
	ClientID  string
	Username  string
	Password  string
	Log       zerolog.Logger
}

// MQTTSource subscribes to one topic and feeds events into the pipeline.
type MQTTSource struct {
	conn      mqtt.Client
	topic     string
	pipeline  *Pipeline
	connected atomic.Bool
	log       zerolog.Logger
}

// ConnectMQTT connects and subscribes. The paho client auto-reconnects and
// re-subscribes through the OnConnect handler.
func ConnectMQTT(p *Pipeline, opts MQTTOptions) (*MQTTSource, error) {
	s := &MQTTSource{topic: opts.Topic, pipeline: p, log: opts.Log}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	s.conn = mqtt.NewClient(clientOpts)
	token := s.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MQTTSource) onConnect(client mqtt.Client) {
	s.connected.Store(true)
	s.log.Info().Str("topic", s.topic).Msg("mqtt connected, subscribing")

	token := client.Subscribe(s.topic, 0, s.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		s.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (s *MQTTSource) onConnectionLost(_ mqtt.Client, err error) {
	s.connected.Store(false)
	s.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var ev mqttEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		s.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("bad mqtt payload")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.pipeline.Handle(ctx, Event{
		Kind:      ev.Kind,
		EpochMS:   ev.EpochMS,
		Title:     ev.Title,
		Artist:    ev.Artist,
		Album:     ev.Album,
		SourceURI: ev.SourceURI,
		Extra:     ev.Extra,
		Source:    "mqtt",
	}); err != nil {
		s.log.Warn().Err(err).Msg("mqtt event rejected")
	}
}

// IsConnected reports broker liveness for the health endpoint.
func (s *MQTTSource) IsConnected() bool { return s.connected.Load() }

// Close disconnects from the broker.
func (s *MQTTSource) Close() {
	s.log.Info().Msg("disconnecting mqtt source")
	s.conn.Disconnect(1000)
}
