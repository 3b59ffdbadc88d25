// Package mqtt bridges a diagnostic.Protocol's DTC lifecycle and a
// network.Manager's bus-load figure onto an MQTT broker, and maps one
// inbound command topic onto DM11 (clear all DTCs).
package mqtt

import (
	"encoding/json"
	"log"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/serebryakov7/isobuscore/diagnostic"
)

const (
	DefaultStatusInterval = 10 * time.Second
	DefaultBroker         = "tcp://localhost:1883"
	DefaultClientID       = "isobuscore-gateway"
	DefaultStatusTopic    = "isobuscore/status"
	DefaultDTCTopic       = "isobuscore/dtc"
	DefaultCommandTopic   = "isobuscore/command"
)

// Config configures one Bridge instance.
type Config struct {
	Broker         string
	ClientID       string
	StatusTopic    string
	DTCTopic       string
	CommandTopic   string
	StatusInterval time.Duration
}

// Command is the JSON payload accepted on CommandTopic.
type Command struct {
	Type string `json:"type"`
}

const commandClearAll = "clear_all_dtcs"

// dtcEvent is the JSON shape published to DTCTopic.
type dtcEvent struct {
	Kind string         `json:"kind"`
	SPN  uint32         `json:"spn"`
	FMI  diagnostic.FMI `json:"fmi"`
}

// statusEvent is the JSON shape published to StatusTopic every StatusInterval.
type statusEvent struct {
	BusLoadPercent float64 `json:"bus_load_percent"`
	ActiveDTCs     int     `json:"active_dtcs"`
}

// Bridge owns one paho MQTT client, publishing diagnostic events and a
// periodic status snapshot, and dispatching CommandTopic messages onto a
// diagnostic.Protocol.
type Bridge struct {
	cfg     Config
	client  paho.Client
	proto   *diagnostic.Protocol
	busLoad func() float64

	stop chan struct{}
}

// New returns a Bridge publishing proto's events and calling busLoad for
// the periodic status snapshot. It does not connect until Connect is
// called.
func New(cfg Config, proto *diagnostic.Protocol, busLoad func() float64) *Bridge {
	if cfg.Broker == "" {
		cfg.Broker = DefaultBroker
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.StatusTopic == "" {
		cfg.StatusTopic = DefaultStatusTopic
	}
	if cfg.DTCTopic == "" {
		cfg.DTCTopic = DefaultDTCTopic
	}
	if cfg.CommandTopic == "" {
		cfg.CommandTopic = DefaultCommandTopic
	}
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	b := &Bridge{cfg: cfg, proto: proto, busLoad: busLoad, stop: make(chan struct{})}
	proto.Subscribe(b.onDiagnosticEvent)
	return b
}

// Connect dials the broker, subscribes to the command topic and starts the
// periodic status publisher.
func (b *Bridge) Connect() error {
	opts := paho.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(paho.Client) {
		log.Printf("mqtt: connected to %s", b.cfg.Broker)
		b.subscribeCommands()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Printf("mqtt: connection lost: %v", err)
	})

	b.client = paho.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	go b.publishStatusLoop()
	return nil
}

// Disconnect stops the status loop and closes the broker connection.
func (b *Bridge) Disconnect() {
	close(b.stop)
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}

func (b *Bridge) subscribeCommands() {
	token := b.client.Subscribe(b.cfg.CommandTopic, 1, b.onCommand)
	go func() {
		<-token.Done()
		if token.Error() != nil {
			log.Printf("mqtt: subscribe %s: %v", b.cfg.CommandTopic, token.Error())
		}
	}()
}

func (b *Bridge) onCommand(_ paho.Client, msg paho.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		log.Printf("mqtt: malformed command on %s: %v", msg.Topic(), err)
		return
	}
	switch cmd.Type {
	case commandClearAll:
		b.proto.ClearAllActive()
		b.proto.ClearPrevious()
	default:
		log.Printf("mqtt: unrecognized command %q", cmd.Type)
	}
}

func (b *Bridge) onDiagnosticEvent(ev diagnostic.Event) {
	if b.client == nil || !b.client.IsConnected() {
		return
	}
	var kind string
	switch ev.Kind {
	case diagnostic.DTCAdded:
		kind = "added"
	case diagnostic.DTCCleared:
		kind = "cleared"
	case diagnostic.AllActiveCleared, diagnostic.PreviousCleared:
		return
	default:
		return
	}
	data, err := json.Marshal(dtcEvent{Kind: kind, SPN: ev.DTC.SPN, FMI: ev.DTC.FMI})
	if err != nil {
		return
	}
	token := b.client.Publish(b.cfg.DTCTopic, 0, false, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("mqtt: publish DTC event: %v", token.Error())
	}
}

func (b *Bridge) publishStatusLoop() {
	ticker := time.NewTicker(b.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.publishStatus()
		}
	}
}

func (b *Bridge) publishStatus() {
	load := 0.0
	if b.busLoad != nil {
		load = b.busLoad()
	}
	data, err := json.Marshal(statusEvent{BusLoadPercent: load, ActiveDTCs: len(b.proto.ActiveDTCs())})
	if err != nil {
		return
	}
	token := b.client.Publish(b.cfg.StatusTopic, 0, false, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("mqtt: publish status: %v", token.Error())
	}
}
