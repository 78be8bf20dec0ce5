package memory

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3
	// driver. Auto() makes it load in every new connection, which the
	// fact_vectors virtual table depends on.
	vec.Auto()
}
