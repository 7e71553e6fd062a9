package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ohowland/wtcosim/internal/pkg/msg"
	"github.com/ohowland/wtcosim/internal/pkg/recorder"
)

// Supported drivers
const (
	MySQL    = "mysql"
	Postgres = "postgres"
)

// ErrClosed is returned when a closed handler is written to.
var ErrClosed = errors.New("sqldb: handler closed")

// Execer is the subset of *sql.DB the handler needs
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Handler writes one row per sample and one row per run configuration.
type Handler struct {
	mux     *sync.Mutex
	inbox   chan msg.Msg
	pid     uuid.UUID
	config  Config
	db      Execer
	queries queries
	done    sync.WaitGroup
	closed  bool
	errs    []error
}

// Config is the handler record
type Config struct {
	Driver      string `json:"Driver"`
	Server      string `json:"Server"`
	Port        int    `json:"Port"`
	Username    string `json:"Username"`
	Password    string `json:"Password"`
	Database    string `json:"Database"`
	Table       string `json:"Table"`
	ConfigTable string `json:"ConfigTable"`
	Buffer      int    `json:"Buffer"`
	Timeout     int    `json:"Timeout"`
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = MySQL
	}
	if c.Table == "" {
		c.Table = "samples"
	}
	if c.ConfigTable == "" {
		c.ConfigTable = "run_config"
	}
	if c.Buffer <= 0 {
		c.Buffer = 50
	}
	if c.Timeout <= 0 {
		c.Timeout = 1000
	}
	return c
}

// DSN returns the data source name of the configured driver.
func (c Config) DSN() string {
	switch c.Driver {
	case Postgres:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.Username, c.Password),
			Host:     c.Server + ":" + strconv.Itoa(c.Port),
			Path:     c.Database,
			RawQuery: "sslmode=disable",
		}
		return u.String()
	default:
		mc := mysql.NewConfig()
		mc.User = c.Username
		mc.Passwd = c.Password
		mc.Net = "tcp"
		mc.Addr = c.Server + ":" + strconv.Itoa(c.Port)
		mc.DBName = c.Database
		return mc.FormatDSN()
	}
}

type queries struct {
	createSamples string
	createConfig  string
	insertSample  string
	upsertConfig  string
}

func newQueries(c Config) (queries, error) {
	switch c.Driver {
	case MySQL:
		table, cfgTable := "`"+c.Table+"`", "`"+c.ConfigTable+"`"
		return queries{
			createSamples: `CREATE TABLE IF NOT EXISTS ` + table + `(pid VARCHAR(36), time DOUBLE, signals JSON, PRIMARY KEY (pid, time))`,
			createConfig:  `CREATE TABLE IF NOT EXISTS ` + cfgTable + `(pid VARCHAR(36) PRIMARY KEY, config JSON)`,
			insertSample:  `INSERT INTO ` + table + ` (pid, time, signals) VALUES (?, ?, ?)`,
			upsertConfig:  `INSERT INTO ` + cfgTable + ` (pid, config) VALUES (?, ?) ON DUPLICATE KEY UPDATE config = VALUES(config)`,
		}, nil
	case Postgres:
		table, cfgTable := pq.QuoteIdentifier(c.Table), pq.QuoteIdentifier(c.ConfigTable)
		return queries{
			createSamples: `CREATE TABLE IF NOT EXISTS ` + table + `(pid VARCHAR(36), time DOUBLE PRECISION, signals JSONB, PRIMARY KEY (pid, time))`,
			createConfig:  `CREATE TABLE IF NOT EXISTS ` + cfgTable + `(pid VARCHAR(36) PRIMARY KEY, config JSONB)`,
			insertSample:  `INSERT INTO ` + table + ` (pid, time, signals) VALUES ($1, $2, $3)`,
			upsertConfig:  `INSERT INTO ` + cfgTable + ` (pid, config) VALUES ($1, $2) ON CONFLICT (pid) DO UPDATE SET config = EXCLUDED.config`,
		}, nil
	}
	return queries{}, fmt.Errorf("sqldb: unsupported driver %q", c.Driver)
}

// New reads the handler record from configPath and opens the database.
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

	db, err := sql.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, err
	}
	h, err := NewWithDB(cfg, db, pid)
	if err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

// NewWithDB creates the tables on db and starts the handler.
func NewWithDB(cfg Config, db Execer, pid uuid.UUID) (*Handler, error) {
	cfg = cfg.withDefaults()
	q, err := newQueries(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Timeout)*time.Millisecond)
	defer cancel()
	for _, stmt := range []string{q.createSamples, q.createConfig} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, err
		}
	}

	h := &Handler{
		mux:     &sync.Mutex{},
		inbox:   make(chan msg.Msg, cfg.Buffer),
		pid:     pid,
		config:  cfg,
		db:      db,
		queries: q,
	}
	h.done.Add(1)
	go h.process()
	return h, nil
}

// PID is an accessor for the process id
func (h *Handler) PID() uuid.UUID {
	return h.pid
}

// Record queues a sample row.
func (h *Handler) Record(s recorder.Sample) error {
	return h.send(msg.New(h.pid, msg.Sample, s))
}

// RecordConfig queues the run configuration row.
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

// Close writes the queued rows and closes the database. It returns the write
// errors seen during the run.
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
	if c, ok := h.db.(io.Closer); ok {
		if err := c.Close(); err != nil {
			h.errs = append(h.errs, err)
		}
	}
	return errors.Join(h.errs...)
}

func (h *Handler) exec(query string, args ...interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(h.config.Timeout)*time.Millisecond)
	defer cancel()
	if _, err := h.db.ExecContext(ctx, query, args...); err != nil {
		log.Printf("[SQL] %v: %v\n", h.config.Table, err)
		h.errs = append(h.errs, err)
	}
}

func (h *Handler) process() {
	defer h.done.Done()
	for m := range h.inbox {
		switch m.Topic() {
		case msg.Sample:
			s := m.Payload().(recorder.Sample)
			signals, err := json.Marshal(s.Signals)
			if err != nil {
				h.errs = append(h.errs, err)
				continue
			}
			h.exec(h.queries.insertSample, m.PID().String(), s.Time, string(signals))
		case msg.Config:
			log.Println("[SQL] Config:", m.PID())
			data, err := json.Marshal(m.Payload())
			if err != nil {
				h.errs = append(h.errs, err)
				continue
			}
			h.exec(h.queries.upsertConfig, m.PID().String(), string(data))
		}
	}
	log.Println("[SQL] Process Shutdown")
}
