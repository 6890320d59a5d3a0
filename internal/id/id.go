// Package id generates globally unique, type-prefixed identifiers for
// sessions, messages, parts, tool calls and requests.
package id

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

// Generator produces identifiers of the form "<prefix>_<counter>_<random>"
// via Next, or "<prefix>_<random>" via NextShort. The counter gives a human a
// stable within-process ordering; it is not an ordering guarantee across
// processes — two generators with the same prefix in different processes
// will both start at 1.
type Generator struct {
	prefix  string
	counter uint64
}

// NewGenerator returns a Generator for the given type prefix (e.g.
// "session", "message", "part", "tool", "req").
func NewGenerator(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// Next returns the next stateful identifier, incrementing the counter.
func (g *Generator) Next() string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s_%d_%s", g.prefix, n, randomComponent())
}

// NextShort returns a counterless identifier carrying only the prefix and a
// random component.
func (g *Generator) NextShort() string {
	return fmt.Sprintf("%s_%s", g.prefix, randomComponent())
}

// Counter reports the current counter value, mostly useful in tests.
func (g *Generator) Counter() uint64 {
	return atomic.LoadUint64(&g.counter)
}

// randomComponent returns a lowercase ULID string. A ULID carries 80 bits of
// randomness (well over the 64 bits spec.md §4.2 requires) plus a
// millisecond timestamp prefix, which in practice also makes ids sort
// roughly by creation time within a counter bucket.
func randomComponent() string {
	return strings.ToLower(ulid.Make().String())
}

// Package-level default generators for the entity types the Store and
// session loop mint identifiers for, mirroring internal/event's
// package-level default bus.
var (
	sessionGen  = NewGenerator("session")
	messageGen  = NewGenerator("message")
	partGen     = NewGenerator("part")
	toolCallGen = NewGenerator("tool")
	requestGen  = NewGenerator("req")
)

// Session returns a new session identifier.
func Session() string { return sessionGen.Next() }

// Message returns a new message identifier.
func Message() string { return messageGen.Next() }

// Part returns a new part identifier.
func Part() string { return partGen.Next() }

// ToolCall returns a new tool-call identifier.
func ToolCall() string { return toolCallGen.Next() }

// Request returns a new permission/client-tool request identifier.
func Request() string { return requestGen.Next() }
