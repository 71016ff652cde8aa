//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register the sqlite-vec extension with the go-sqlite3 driver. No
	// vec0 virtual table is created: SearchSimilarTools scans embeddings
	// in Go with or without the tag.
	vec.Auto()
}
