package xrpc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/lib/pq"              // registers the "postgres" driver
)

const (
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
)

// ConnSource hands out a connection to a destination for one dispatch pass.
// The caller closes it when the destination is done.
type ConnSource interface {
	Conn(ctx context.Context, destination string) (*sql.Conn, error)
}

type DestinationsOptions struct {
	// Driver is a database/sql driver name; DriverPgx by default.
	Driver  string
	MaxIdle int
	// Open replaces sql.Open, mostly for tests.
	Open func(driver, dsn string) (*sql.DB, error)
}

// Destinations caches one *sql.DB per destination id. Handles are dropped by
// Reset, after which the next Conn reconnects.
type Destinations struct {
	template string
	opts     DestinationsOptions

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewDestinations(template string, opts DestinationsOptions) (*Destinations, error) {
	if strings.TrimSpace(template) == "" {
		return nil, invalidConfig("destination DSN template is required")
	}
	switch opts.Driver {
	case "":
		opts.Driver = DriverPgx
	case DriverPgx, DriverPostgres:
	default:
		return nil, invalidConfig("unknown destination driver %q (expected %s|%s)", opts.Driver, DriverPgx, DriverPostgres)
	}
	if opts.MaxIdle == 0 {
		opts.MaxIdle = 2
	}
	if opts.Open == nil {
		opts.Open = sql.Open
	}
	return &Destinations{template: template, opts: opts, dbs: make(map[string]*sql.DB)}, nil
}

// DSN expands the template for destination. "{destination}", "{0}" and "{}"
// are placeholders.
func (d *Destinations) DSN(destination string) string {
	return strings.NewReplacer(
		"{destination}", destination,
		"{0}", destination,
		"{}", destination,
	).Replace(d.template)
}

func (d *Destinations) Conn(ctx context.Context, destination string) (*sql.Conn, error) {
	if destination == "" {
		return nil, invalidConfig("empty destination")
	}
	db, err := d.db(destination)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to destination %q: %w", destination, err)
	}
	return conn, nil
}

// DB returns the cached handle for destination, opening it on first use.
func (d *Destinations) DB(destination string) (*sql.DB, error) {
	return d.db(destination)
}

func (d *Destinations) db(destination string) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if db, ok := d.dbs[destination]; ok {
		return db, nil
	}
	db, err := d.opts.Open(d.opts.Driver, d.DSN(destination))
	if err != nil {
		return nil, fmt.Errorf("open destination %q: %w", destination, err)
	}
	db.SetMaxIdleConns(d.opts.MaxIdle)
	d.dbs[destination] = db
	return db, nil
}

// Reset closes and forgets every cached handle.
func (d *Destinations) Reset() error {
	d.mu.Lock()
	dbs := d.dbs
	d.dbs = make(map[string]*sql.DB)
	d.mu.Unlock()

	var errs []error
	for name, db := range dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close destination %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Destinations) Close() error {
	return d.Reset()
}
