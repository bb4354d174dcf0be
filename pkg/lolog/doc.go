/*
Package lolog provides structured logging for lol using zerolog.

It wraps zerolog to give every engine component (command log, peer service,
voter, background drivers) a consistently-shaped logger: JSON or console
output, a configurable level, and context loggers keyed by node and peer ID.

# Usage

	lolog.Init(lolog.Config{Level: lolog.InfoLevel, JSONOutput: true})

	nodeLog := lolog.WithNodeID("node-1")
	nodeLog.Info().Str("role", "leader").Msg("became leader")

	peerLog := lolog.WithPeerID("node-1", "node-2")
	peerLog.Warn().Int("next_index", 42).Msg("replication rejected")

Background drivers use the component logger (lolog.WithComponent) so a
single log stream can be filtered by "component=replication-tick" etc.
*/
package lolog
