package natshandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"

	"github.com/ohowland/wtcosim/internal/pkg/msg"
	"github.com/ohowland/wtcosim/internal/pkg/recorder"
)

// ErrClosed is returned when a closed handler is written to.
var ErrClosed = errors.New("natshandler: handler closed")

// Publisher is the subset of *nats.Conn the handler needs
type Publisher interface {
	Publish(subj string, data []byte) error
	Flush() error
	Close()
}

// Handler streams run messages to a NATS server
type Handler struct {
	mux    *sync.Mutex
	inbox  chan msg.Msg
	pid    uuid.UUID
	config Config
	conn   Publisher
	done   sync.WaitGroup
	closed bool
	errs   []error
}

// Config is the handler record
type Config struct {
	Server  string `json:"Server"`
	Subject string `json:"Subject"`
	Buffer  int    `json:"Buffer"`
}

// New reads the handler record from configPath and connects to its server.
func New(configPath string, pid uuid.UUID) (*Handler, error) {
	jsonConfig, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg := Config{}
	if err := json.Unmarshal(jsonConfig, &cfg); err != nil {
		return nil, err
	}
	if cfg.Server == "" {
		cfg.Server = nats.DefaultURL
	}

	nc, err := nats.Connect(cfg.Server, nats.Name("wtcosim-"+pid.String()))
	if err != nil {
		return nil, err
	}
	return NewWithConn(cfg, nc, pid), nil
}

// NewWithConn starts a handler publishing over conn on behalf of pid.
func NewWithConn(cfg Config, conn Publisher, pid uuid.UUID) *Handler {
	if cfg.Subject == "" {
		cfg.Subject = "wtcosim"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 50
	}
	h := &Handler{
		mux:    &sync.Mutex{},
		inbox:  make(chan msg.Msg, cfg.Buffer),
		pid:    pid,
		config: cfg,
		conn:   conn,
	}
	h.done.Add(1)
	go h.process()
	return h
}

// PID is an accessor for the process id
func (h *Handler) PID() uuid.UUID {
	return h.pid
}

// Subject returns the subject a topic is published on.
func (h *Handler) Subject(topic msg.Topic) string {
	return fmt.Sprintf("%v.%v.%v", h.config.Subject, h.pid, topic)
}

// Record queues a sample for publication.
func (h *Handler) Record(s recorder.Sample) error {
	return h.send(msg.New(h.pid, msg.Sample, s))
}

// RecordConfig queues the run configuration for publication.
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

// Close drains the queue, flushes and closes the connection. It reports the
// messages that could not be encoded or published.
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
	flushErr := h.conn.Flush()
	h.conn.Close()
	if len(h.errs) > 0 {
		return errors.Join(fmt.Errorf("%v publications failed: %w", len(h.errs), errors.Join(h.errs...)), flushErr)
	}
	return flushErr
}

func (h *Handler) process() {
	defer h.done.Done()
	log.Println("[NATS client] Process Started")
	for m := range h.inbox {
		data, err := json.Marshal(m)
		if err != nil {
			log.Printf("[NATS client] unable to encode %v message: %v\n", m.Topic(), err)
			h.errs = append(h.errs, err)
			continue
		}
		if err := h.conn.Publish(h.Subject(m.Topic()), data); err != nil {
			log.Printf("[NATS client] unable to publish to nats server: %v\n", err)
			h.errs = append(h.errs, err)
		}
	}
	log.Println("[NATS client] Process Shutdown")
}
