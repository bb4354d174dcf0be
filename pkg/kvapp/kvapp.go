// Package kvapp is the reference types.App (spec §4.10): a single
// atomically-incremented counter, grounded in
// original_source/tests/testapp/src/lib.rs's AppWriteRequest::FetchAdd /
// AppReadRequest::Read / AppState shape, adapted from bincode-over-gRPC to
// the go-msgpack codec this module uses everywhere else.
package kvapp

import (
	"context"
	"fmt"
	"sync"

	"github.com/AdamLeyshon/lol/pkg/lolog"
	"github.com/AdamLeyshon/lol/pkg/raft/types"
	"github.com/rs/zerolog"
)

// WriteRequest is the only write command: add N to the counter. The source
// modeled the amount as the length of a filler byte slice; here it is just
// a number, which is the same operation without the indirection.
type WriteRequest struct {
	FetchAdd uint64
}

// ReadRequest is the only read query: return the current value. The
// source's AppReadRequest also offers a MakeSnapshot variant that forces a
// snapshot from the client side; here that trigger lives on the admin
// surface instead (process.Process.MakeSnapshot calls SaveSnapshot
// directly), so there is nothing left for a query to do.
type ReadRequest struct{}

// State is both the read/write response payload and the snapshot payload -
// the source's AppState is used for all three in original_source too.
type State struct {
	Value uint64
}

// App is a counter: ProcessWrite adds, ProcessRead reads, Save/InstallSnapshot
// round-trip the whole counter. Safe for concurrent use.
type App struct {
	mu    sync.Mutex
	value uint64
	log   zerolog.Logger
}

func New() *App {
	return &App{log: lolog.WithComponent("kvapp")}
}

var _ types.App = (*App)(nil)

func (a *App) ProcessWrite(_ context.Context, cmd []byte) ([]byte, error) {
	var req WriteRequest
	if err := types.Decode(cmd, &req); err != nil {
		return nil, fmt.Errorf("kvapp: decode write: %w", err)
	}
	a.mu.Lock()
	a.value += req.FetchAdd
	v := a.value
	a.mu.Unlock()
	a.log.Debug().Uint64("added", req.FetchAdd).Uint64("value", v).Msg("applied fetch-add")
	return types.Encode(State{Value: v})
}

func (a *App) ProcessRead(_ context.Context, query []byte) ([]byte, error) {
	var req ReadRequest
	if err := types.Decode(query, &req); err != nil {
		return nil, fmt.Errorf("kvapp: decode read: %w", err)
	}
	a.mu.Lock()
	v := a.value
	a.mu.Unlock()
	return types.Encode(State{Value: v})
}

func (a *App) InstallSnapshot(_ context.Context, payload []byte) error {
	var s State
	if err := types.Decode(payload, &s); err != nil {
		return fmt.Errorf("kvapp: decode snapshot: %w", err)
	}
	a.mu.Lock()
	a.value = s.Value
	a.mu.Unlock()
	return nil
}

func (a *App) SaveSnapshot(_ context.Context) ([]byte, error) {
	a.mu.Lock()
	v := a.value
	a.mu.Unlock()
	return types.Encode(State{Value: v})
}
