package process

import (
	"errors"

	"github.com/AdamLeyshon/lol/pkg/raft/types"
	"github.com/rs/zerolog"
)

// guard runs fn and turns a panic into a logged error instead of letting it
// kill the calling goroutine - the Go shape of source's
// defensive_panic_guard, which wraps a future the same way. No
// implementation of defensive_panic_guard itself exists in original_source
// (only its two call sites do, in snapshot_deleter.rs/query_execution.rs),
// so this is reconstructed from its name and those call sites rather than
// ported.
//
// cont mirrors the wrapped call's own "is there more work" signal (used by
// the replication and query-execution drivers, which drain until false);
// halt is true only for types.ErrInvariantViolation, the one error class
// spec §7 treats as fatal - the caller must stop the owning loop rather
// than retry next tick.
func guard(log zerolog.Logger, loop string, fn func() (bool, error)) (cont, halt bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("loop", loop).Interface("panic", r).Msg("background loop iteration panicked, continuing")
			cont, halt = false, false
		}
	}()
	cont, err := fn()
	if err == nil {
		return cont, false
	}
	if errors.Is(err, types.ErrInvariantViolation) {
		log.Error().Str("loop", loop).Err(err).Msg("invariant violation, halting loop")
		return false, true
	}
	log.Error().Str("loop", loop).Err(err).Msg("background loop iteration failed, continuing")
	return false, false
}
