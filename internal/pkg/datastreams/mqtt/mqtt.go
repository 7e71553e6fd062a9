package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/ohowland/wtcosim/internal/pkg/msg"
	"github.com/ohowland/wtcosim/internal/pkg/recorder"
)

var (
	// ErrClosed is returned when a closed handler is written to.
	ErrClosed = errors.New("mqtt: handler closed")

	// ErrTimeout is returned when the broker does not acknowledge in time.
	ErrTimeout = errors.New("mqtt: broker timeout")
)

// Client is the subset of paho's mqtt.Client the handler needs
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Handler publishes run messages to an MQTT broker
type Handler struct {
	mux    *sync.Mutex
	inbox  chan msg.Msg
	pid    uuid.UUID
	config Config
	client Client
	done   sync.WaitGroup
	closed bool
	errs   []error
}

// Config is the handler record
type Config struct {
	Broker   string `json:"Broker"`
	ClientID string `json:"ClientID"`
	Topic    string `json:"Topic"`
	QoS      byte   `json:"QoS"`
	Buffer   int    `json:"Buffer"`
	Timeout  int    `json:"Timeout"`
}

func (c Config) withDefaults(pid uuid.UUID) Config {
	if c.Broker == "" {
		c.Broker = "tcp://127.0.0.1:1883"
	}
	if c.ClientID == "" {
		c.ClientID = "wtcosim-" + pid.String()
	}
	if c.Topic == "" {
		c.Topic = "wtcosim"
	}
	if c.Buffer <= 0 {
		c.Buffer = 50
	}
	if c.Timeout <= 0 {
		c.Timeout = 1000
	}
	return c
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// New reads the handler record from configPath and connects to the broker.
func New(configPath string, pid uuid.UUID) (*Handler, error) {
	jsonConfig, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg := Config{}
	if err := json.Unmarshal(jsonConfig, &cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults(pid)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.timeout())
	client := pahomqtt.NewClient(opts)
	if err := wait(client.Connect(), cfg.timeout()); err != nil {
		return nil, fmt.Errorf("connect %v: %w", cfg.Broker, err)
	}
	return NewWithClient(cfg, client, pid), nil
}

// NewWithClient starts a handler publishing through a connected client.
func NewWithClient(cfg Config, client Client, pid uuid.UUID) *Handler {
	cfg = cfg.withDefaults(pid)
	h := &Handler{
		mux:    &sync.Mutex{},
		inbox:  make(chan msg.Msg, cfg.Buffer),
		pid:    pid,
		config: cfg,
		client: client,
	}
	h.done.Add(1)
	go h.process()
	return h
}

func wait(tok pahomqtt.Token, d time.Duration) error {
	if !tok.WaitTimeout(d) {
		return ErrTimeout
	}
	return tok.Error()
}

// PID is an accessor for the process id
func (h *Handler) PID() uuid.UUID {
	return h.pid
}

// Topic returns the topic a message kind is published on.
func (h *Handler) Topic(topic msg.Topic) string {
	return fmt.Sprintf("%v/%v/%v", h.config.Topic, h.pid, topic)
}

// Record queues a sample for publication.
func (h *Handler) Record(s recorder.Sample) error {
	return h.send(msg.New(h.pid, msg.Sample, s))
}

// RecordConfig queues the run configuration, published retained.
func (h *Handler) RecordConfig(v interface{}) error {
	return h.send(msg.New(h.pid, msg.Config, v))
}

func (h *Handler) send(m msg.Msg) error {
	h.mux.Lock()
	defer h.mux.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.inbox <- m
	return nil
}

// Close drains the queue and disconnects. It reports how many messages could
// not be encoded or were not acknowledged by the broker.
func (h *Handler) Close() error {
	h.mux.Lock()
	if h.closed {
		h.mux.Unlock()
		return nil
	}
	h.closed = true
	close(h.inbox)
	h.mux.Unlock()

	h.done.Wait()
	h.client.Disconnect(uint(h.config.Timeout))
	if len(h.errs) > 0 {
		return fmt.Errorf("%v publications failed: %w", len(h.errs), errors.Join(h.errs...))
	}
	return nil
}

func (h *Handler) process() {
	defer h.done.Done()
	log.Println("[MQTT client] Process Started")
	for m := range h.inbox {
		data, err := json.Marshal(m)
		if err != nil {
			log.Printf("[MQTT client] unable to encode %v message: %v\n", m.Topic(), err)
			h.errs = append(h.errs, err)
			continue
		}
		retained := m.Topic() == msg.Config
		tok := h.client.Publish(h.Topic(m.Topic()), h.config.QoS, retained, data)
		if err := wait(tok, h.config.timeout()); err != nil {
			log.Printf("[MQTT client] unable to publish to broker: %v\n", err)
			h.errs = append(h.errs, err)
		}
	}
	log.Println("[MQTT client] Process Shutdown")
}
