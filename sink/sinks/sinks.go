// Package sinks imports all built-in document stores for auto-registration.
package sinks

import (
	// Import all stores for side-effect registration
	_ "github.com/drblury/eventrelay/sink/memory"
	_ "github.com/drblury/eventrelay/sink/pebble"
	_ "github.com/drblury/eventrelay/sink/postgres"
	_ "github.com/drblury/eventrelay/sink/sqlite"
)
