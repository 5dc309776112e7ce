//go:build cgo

package snapshot

// The duckdb driver links the native library and needs cgo.
import _ "github.com/marcboeker/go-duckdb"
