package statemachine

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/kythira/raft/pkg/raft"
)

// Register is a single versioned string value driven by three commands:
// "WRITE <value>" unconditionally replaces the value and bumps the
// version; "READ" returns the current value; "CAS <expected> <new>"
// replaces the value only if it currently equals expected.
type Register struct {
	mu      sync.Mutex
	value   string
	version uint64
}

// NewRegister returns a Register with an empty value and version zero.
func NewRegister() *Register {
	return &Register{}
}

func (r *Register) Apply(command []byte, _ raft.LogIndex) ([]byte, error) {
	cmd := string(command)
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case strings.HasPrefix(cmd, "WRITE "):
		r.value = cmd[len("WRITE "):]
		r.version++
		return []byte("OK"), nil
	case cmd == "READ":
		return []byte(r.value), nil
	case strings.HasPrefix(cmd, "CAS "):
		parts := strings.Fields(cmd[len("CAS "):])
		if len(parts) != 2 {
			return nil, fmt.Errorf("statemachine: malformed CAS command %q", command)
		}
		if r.value != parts[0] {
			return []byte("FAILED"), nil
		}
		r.value = parts[1]
		r.version++
		return []byte("OK"), nil
	default:
		return nil, fmt.Errorf("statemachine: unknown register command %q", command)
	}
}

func (r *Register) GetState() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return []byte(strconv.FormatUint(r.version, 10) + ":" + r.value), nil
}

func (r *Register) RestoreFromSnapshot(state []byte, _ raft.LogIndex) error {
	s := string(state)
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return fmt.Errorf("statemachine: malformed register snapshot %q", state)
	}
	version, err := strconv.ParseUint(s[:idx], 10, 64)
	if err != nil {
		return fmt.Errorf("statemachine: malformed register snapshot version: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = version
	r.value = s[idx+1:]
	return nil
}

// Value returns the register's current value and version without going
// through Apply.
func (r *Register) Value() (string, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.version
}

var _ raft.StateMachine = (*Register)(nil)
