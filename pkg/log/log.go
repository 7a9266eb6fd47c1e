package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// base is the package-level logger every WithX helper derives its child
// logger from. It is unexported: callers get scoped loggers (WithComponent,
// WithNodeID, WithPeer), never the raw root.
var base zerolog.Logger

// Level is a logging verbosity threshold.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how Init builds the base logger: verbosity, whether
// output is structured JSON (for log aggregation) or a human-readable
// console writer (for a node run interactively via `raftnode serve`), and
// where it writes to.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init builds the base logger every WithX helper derives from. Call it
// once at process startup, before any Node is constructed.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		base = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	base = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent scopes the base logger to a named subsystem (e.g.
// "raftnode", "simulate"), for CLI-level log lines that aren't tied to a
// single Raft node.
func WithComponent(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithNodeID scopes the base logger to a single Raft node, the logger a
// Node keeps for its entire lifetime.
func WithNodeID(nodeID string) zerolog.Logger {
	return base.With().Str("node_id", nodeID).Logger()
}

// WithPeer scopes the base logger to a single remote peer, for transport
// log lines (dial failures, RPC errors) that need to name which connection
// they belong to without a full Node in scope.
func WithPeer(peer string) zerolog.Logger {
	return base.With().Str("peer", peer).Logger()
}
