// Package statemachine provides small example raft.StateMachine
// implementations used by tests and the CLI's demo cluster.
package statemachine

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"

	"github.com/kythira/raft/pkg/raft"
)

// Counter is an atomic int64 counter driven by the commands "INC", "DEC",
// "RESET", and "GET". Apply returns the counter's value after the command
// runs, as a decimal string.
type Counter struct {
	mu    sync.Mutex
	value int64
}

// NewCounter returns a Counter starting at zero.
func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) Apply(command []byte, _ raft.LogIndex) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch string(command) {
	case "INC":
		c.value++
	case "DEC":
		c.value--
	case "RESET":
		c.value = 0
	case "GET":
	default:
		return nil, fmt.Errorf("statemachine: unknown counter command %q", command)
	}
	return []byte(strconv.FormatInt(c.value, 10)), nil
}

func (c *Counter) GetState() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := make([]byte, 8)
	binary.LittleEndian.PutUint64(state, uint64(c.value))
	return state, nil
}

func (c *Counter) RestoreFromSnapshot(state []byte, _ raft.LogIndex) error {
	if len(state) < 8 {
		return fmt.Errorf("statemachine: counter snapshot too short: %d bytes", len(state))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = int64(binary.LittleEndian.Uint64(state))
	return nil
}

// Value returns the counter's current value without going through Apply.
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

var _ raft.StateMachine = (*Counter)(nil)
