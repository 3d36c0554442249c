// Package sinktest provides helpers for testing code built on the sink package.
package sinktest

import (
	"github.com/drblury/eventrelay/internal/runtime/events"
	"github.com/drblury/eventrelay/sink"
)

// Config is a sink.Config backed by plain fields.
type Config struct {
	SinkSystem     string
	SinkCollection string
	PostgresURL    string
	SQLiteFile     string
	PebbleDir      string
}

func (c *Config) GetSinkSystem() string     { return c.SinkSystem }
func (c *Config) GetSinkCollection() string { return c.SinkCollection }
func (c *Config) GetPostgresURL() string    { return c.PostgresURL }
func (c *Config) GetSQLiteFile() string     { return c.SQLiteFile }
func (c *Config) GetPebbleDir() string      { return c.PebbleDir }

// Event returns a valid event for play playID.
func Event(playID string) events.GameEvent {
	id := playID
	return events.GameEvent{
		GameID:    42,
		PlayID:    &id,
		EventType: "scoring",
		Event:     "Touchdown!",
		PlayerID:  7,
	}
}

// Document returns a document without an id for play playID.
func Document(playID string) sink.Document {
	return sink.Document{GameEvent: Event(playID)}
}
