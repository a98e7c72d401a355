// Package id provides centralized ID generation for the realtime client.
//
// IDs are prefixed ULIDs: lexicographically sortable, unique without
// coordination, and readable in logs (tmp_*, client_*). Temporary message
// IDs must sort by creation time so optimistic entries keep a stable
// relative order before the server confirms them.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TempID identifies an optimistic message awaiting server confirmation.
type TempID string

// ClientID identifies one running client instance.
type ClientID string

// Prefixes used for type identification in logs and wire payloads.
const (
	TempPrefix   = "tmp"
	ClientPrefix = "client"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator backed by crypto/rand.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator(rand.Reader)
	})
	return defaultGenerator
}

// NewGenerator creates a generator with the given entropy source.
// Tests pass a deterministic reader.
func NewGenerator(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewTempID generates a temporary message ID.
func NewTempID() TempID {
	return TempID(Default().GenerateWithPrefix(TempPrefix))
}

// NewClientID generates a client instance ID.
func NewClientID() ClientID {
	return ClientID(Default().GenerateWithPrefix(ClientPrefix))
}
