package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ohowland/wtcosim/internal/pkg/msg"
	"github.com/ohowland/wtcosim/internal/pkg/recorder"
)

// ErrClosed is returned when a closed handler is written to.
var ErrClosed = errors.New("mongodb: handler closed")

// Collection is the subset of *mongo.Collection the handler needs
type Collection interface {
	InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Handler stores run messages in MongoDB, samples in batches
type Handler struct {
	mux     *sync.Mutex
	inbox   chan msg.Msg
	pid     uuid.UUID
	config  Config
	samples Collection
	configs Collection
	client  *mongo.Client
	done    sync.WaitGroup
	closed  bool
	errs    []error
}

// Config is the handler record
type Config struct {
	URI              string `json:"URI"`
	Port             string `json:"Port"`
	Database         string `json:"Database"`
	Collection       string `json:"Collection"`
	ConfigCollection string `json:"ConfigCollection"`
	BatchSize        int    `json:"BatchSize"`
	Timeout          int    `json:"Timeout"`
	DropOnConnect    bool   `json:"DropOnConnect"`
}

func (c Config) withDefaults() Config {
	if c.Collection == "" {
		c.Collection = "samples"
	}
	if c.ConfigCollection == "" {
		c.ConfigCollection = "runConfig"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.Timeout <= 0 {
		c.Timeout = 10000
	}
	return c
}

// New reads the handler record from configPath and connects to the database.
func New(configPath string, pid uuid.UUID) (*Handler, error) {
	jsonConfig, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg := Config{}
	if err := json.Unmarshal(jsonConfig, &cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	uri := cfg.URI
	if cfg.Port != "" {
		uri += ":" + cfg.Port
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Timeout)*time.Millisecond)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	db := client.Database(cfg.Database)
	if cfg.DropOnConnect {
		if err := db.Collection(cfg.Collection).Drop(ctx); err != nil {
			log.Printf("[Mongo] drop %v: %v\n", cfg.Collection, err)
		}
	}
	h := NewWithCollections(cfg, db.Collection(cfg.Collection), db.Collection(cfg.ConfigCollection), pid)
	h.client = client
	return h, nil
}

// NewWithCollections starts a handler writing into the given collections.
func NewWithCollections(cfg Config, samples, configs Collection, pid uuid.UUID) *Handler {
	cfg = cfg.withDefaults()
	h := &Handler{
		mux:     &sync.Mutex{},
		inbox:   make(chan msg.Msg, cfg.BatchSize),
		pid:     pid,
		config:  cfg,
		samples: samples,
		configs: configs,
	}
	h.done.Add(1)
	go h.process()
	return h
}

// PID is an accessor for the process id
func (h *Handler) PID() uuid.UUID {
	return h.pid
}

// Record queues a sample document.
func (h *Handler) Record(s recorder.Sample) error {
	return h.send(msg.New(h.pid, msg.Sample, s))
}

// RecordConfig upserts the run configuration.
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

// Close writes the pending batch and disconnects. It returns the write errors
// seen during the run.
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
	if h.client != nil {
		if err := h.client.Disconnect(context.Background()); err != nil {
			h.errs = append(h.errs, err)
		}
	}
	return errors.Join(h.errs...)
}

func sampleToBSON(m msg.Msg) bson.D {
	s := m.Payload().(recorder.Sample)
	signals := make(bson.M, len(s.Signals))
	for k, v := range s.Signals {
		signals[k] = v
	}
	//TODO: PID should be written as a binary of subtype 0x04 (UUID standard).
	return bson.D{
		bson.E{Key: "pid", Value: m.PID().String()},
		bson.E{Key: "topic", Value: string(m.Topic())},
		bson.E{Key: "time", Value: s.Time},
		bson.E{Key: "signals", Value: signals},
	}
}

func configToBSON(m msg.Msg) bson.D {
	return bson.D{
		bson.E{Key: "$set", Value: bson.M{
			"pid":  m.PID().String(),
			"data": m.Payload(),
		}},
	}
}

func (h *Handler) process() {
	defer h.done.Done()
	ctx := context.Background()
	batch := make([]interface{}, 0, h.config.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if _, err := h.samples.InsertMany(ctx, batch); err != nil {
			log.Printf("[Mongo] insert %v samples: %v\n", len(batch), err)
			h.errs = append(h.errs, err)
		}
		batch = make([]interface{}, 0, h.config.BatchSize)
	}

	for m := range h.inbox {
		switch m.Topic() {
		case msg.Sample:
			batch = append(batch, sampleToBSON(m))
			if len(batch) >= h.config.BatchSize {
				flush()
			}
		case msg.Config:
			log.Println("[Mongo] Config:", m.PID())
			opts := options.Update().SetUpsert(true)
			_, err := h.configs.UpdateOne(ctx, bson.M{"pid": m.PID().String()}, configToBSON(m), opts)
			if err != nil {
				log.Printf("[Mongo] upsert config: %v\n", err)
				h.errs = append(h.errs, err)
			}
		}
	}
	flush()
	log.Println("[Mongo] Process Shutdown")
}
