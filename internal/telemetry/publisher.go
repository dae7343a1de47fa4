// Package telemetry mirrors controller state to MQTT. Each managed entity
// is announced through Home Assistant MQTT discovery as a set of derived
// sensors, then fed with a state document on a fixed cadence. The whole
// package is optional; the daemon runs identically without a broker.
package telemetry

import (
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"smartclimate/internal/climate"
	"smartclimate/internal/clock"
)

// Config mirrors the mqtt section of the daemon configuration.
type Config struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
	// PublishInterval is the state publication cadence. Zero means one
	// minute, matching the default controller update interval.
	PublishInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "smartclimate"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "smartclimate"
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = "homeassistant"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = time.Minute
	}
	return c
}

// publishClient is the slice of mqtt.Client the publisher actually uses,
// kept narrow so tests can substitute a recorder.
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher owns the MQTT connection and the publication loop.
type Publisher struct {
	cfg         Config
	controllers []*climate.Controller
	clk         clock.Clock
	logger      *zap.Logger

	client mqtt.Client

	mu        sync.Mutex
	running   bool
	tickTimer clock.Timer
}

// NewPublisher prepares a publisher for the given controllers. Nothing
// connects until Start.
func NewPublisher(cfg Config, controllers []*climate.Controller, clk clock.Clock, logger *zap.Logger) *Publisher {
	return &Publisher{
		cfg:         cfg.withDefaults(),
		controllers: controllers,
		clk:         clk,
		logger:      logger.Named("telemetry"),
	}
}

// Start connects to the broker and begins the publication loop. A broker
// that is down only delays telemetry; it never fails the daemon.
func (p *Publisher) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		p.logger.Info("Connected to MQTT broker", zap.String("broker", p.cfg.Broker))
		// Discovery configs are retained, but the broker may have been
		// wiped, so re-announce on every (re)connect.
		p.publishDiscovery(client)
		p.publishStates(client)
	})

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			p.logger.Error("MQTT connect failed", zap.Error(err))
		}
	}()

	p.logger.Info("Starting telemetry publisher",
		zap.String("broker", p.cfg.Broker),
		zap.String("topic_prefix", p.cfg.TopicPrefix),
		zap.Int("entities", len(p.controllers)))
	p.scheduleTick()
	return nil
}

// Stop halts the loop and disconnects.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	tick := p.tickTimer
	p.tickTimer = nil
	p.mu.Unlock()

	p.logger.Info("Stopping telemetry publisher")
	if tick != nil {
		tick.Stop()
	}
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

func (p *Publisher) scheduleTick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.tickTimer = p.clk.AfterFunc(p.cfg.PublishInterval, p.tick)
}

func (p *Publisher) tick() {
	defer p.scheduleTick()
	if p.client == nil || !p.client.IsConnectionOpen() {
		return
	}
	p.publishStates(p.client)
}

// publishDiscovery announces every derived sensor of every entity.
func (p *Publisher) publishDiscovery(client publishClient) {
	for _, c := range p.controllers {
		id := objectID(c.VirtualEntity().String())
		for _, msg := range discoveryMessages(p.cfg, id, c.VirtualEntity().String()) {
			p.publish(client, msg.topic, 1, true, msg.payload)
		}
	}
}

// publishStates publishes one state document per entity.
func (p *Publisher) publishStates(client publishClient) {
	for _, c := range p.controllers {
		st := c.Status()
		payload, err := json.Marshal(buildStatePayload(st))
		if err != nil {
			p.logger.Error("Could not encode state payload",
				zap.String("entity_id", st.VirtualEntity), zap.Error(err))
			continue
		}
		p.publish(client, stateTopic(p.cfg.TopicPrefix, objectID(st.VirtualEntity)), 0, false, payload)
	}
}

func (p *Publisher) publish(client publishClient, topic string, qos byte, retain bool, payload []byte) {
	token := client.Publish(topic, qos, retain, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.logger.Warn("MQTT publish failed", zap.String("topic", topic), zap.Error(err))
	}
}
