// ABOUTME: Registers the cgo SQLite driver as an alternative to the pure-Go default
// ABOUTME: Selected with database.driver "sqlite3" when the host wants the C library

package store

import (
	_ "github.com/mattn/go-sqlite3"
)

// DriverCgo is the mattn/go-sqlite3 driver name. It requires CGO_ENABLED=1.
const DriverCgo = "sqlite3"
