package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/felipepmaragno/bizcard/internal/domain"
	_ "github.com/lib/pq"
	"golang.org/x/sync/singleflight"
)

// Connector owns the process-wide tenant store connection. The connection is
// opened on first use; a failed attempt is not cached so later calls retry.
type Connector struct {
	dsn string

	// flight collapses concurrent opens so the dial runs outside mu.
	flight singleflight.Group

	mu sync.Mutex
	db *sql.DB
}

func NewConnector(dsn string) *Connector {
	return &Connector{dsn: dsn}
}

// NewConnectorWithDB wraps an already opened handle.
func NewConnectorWithDB(db *sql.DB) *Connector {
	return &Connector{db: db}
}

func (c *Connector) Configured() bool {
	if c.dsn != "" {
		return true
	}
	_, ok := c.Opened()
	return ok
}

// DB returns the shared handle, opening it if needed. It returns
// domain.ErrStoreNotConfigured when no DSN was provided.
func (c *Connector) DB(ctx context.Context) (*sql.DB, error) {
	if db, ok := c.Opened(); ok {
		return db, nil
	}
	if c.dsn == "" {
		return nil, domain.ErrStoreNotConfigured
	}

	v, err, _ := c.flight.Do("open", func() (interface{}, error) {
		if db, ok := c.Opened(); ok {
			return db, nil
		}

		db, err := sql.Open("postgres", c.dsn)
		if err != nil {
			return nil, fmt.Errorf("open tenant store: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping tenant store: %w", err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.db != nil {
			db.Close()
			return c.db, nil
		}
		c.db = db
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sql.DB), nil
}

// Opened returns the handle if a connection has already been established.
func (c *Connector) Opened() (*sql.DB, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db, c.db != nil
}

func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
