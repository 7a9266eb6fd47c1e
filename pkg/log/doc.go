/*
Package log provides structured logging via zerolog: level/format/output
configuration through Init, and child-logger helpers (WithComponent,
WithNodeID, WithPeer) for attaching consensus context (node id, peer id,
subsystem) without repeating fields at every call site.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	nodeLog := log.WithNodeID("A")
	nodeLog.Info().Str("role", "leader").Msg("became leader")
*/
package log
