// Package queryqueue implements the Query Queue of spec §4.4: a mapping
// from read-index to pending queries, drained as user_pointer advances
// past each index, implementing the read-index linearizable-read
// technique.
//
// Grounded directly on
// original_source/lol2/src/process/query_queue.rs: the same
// BTreeMap<read_index, Vec<Query>> reservation shape (here a plain map plus
// a sorted-key scan, since Go has no stdlib BTreeMap) and the same
// "dispatch every drained query concurrently, dropped completions on
// failure" execute() semantics.
package queryqueue

import (
	"context"
	"sort"
	"sync"

	"github.com/AdamLeyshon/lol/pkg/lolog"
	"github.com/AdamLeyshon/lol/pkg/raft/types"
	"github.com/rs/zerolog"
)

// Result is a query's outcome. It is sent on a query's channel only on
// success; a failed App.ProcessRead closes the channel without sending,
// so the caller observes it the same way a canceled RPC would look.
type Result struct {
	Response []byte
}

type pendingQuery struct {
	message []byte
	done    chan Result
}

// Queue is the Query Queue: registered reads wait here until user_pointer
// reaches their read-index.
type Queue struct {
	app types.App
	log zerolog.Logger

	mu       sync.Mutex
	reserved map[types.Index][]pendingQuery
}

func New(app types.App) *Queue {
	return &Queue{
		app:      app,
		log:      lolog.WithComponent("query-queue"),
		reserved: make(map[types.Index][]pendingQuery),
	}
}

// Register enqueues message to be answered once user_pointer >= readIndex.
// The returned channel receives exactly one Result on success, or is
// closed without a value if the App rejected the read.
func (q *Queue) Register(readIndex types.Index, message []byte) <-chan Result {
	done := make(chan Result, 1)
	q.mu.Lock()
	q.reserved[readIndex] = append(q.reserved[readIndex], pendingQuery{message: message, done: done})
	q.mu.Unlock()
	return done
}

// Execute drains every query reserved at or below upto, dispatching each to
// App.ProcessRead independently and concurrently. It returns true iff at
// least one query was drained, so the caller (the query execution driver)
// keeps calling it until it returns false.
func (q *Queue) Execute(ctx context.Context, upto types.Index) bool {
	q.mu.Lock()
	var keys []types.Index
	for k := range q.reserved {
		if k <= upto {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var drained []pendingQuery
	for _, k := range keys {
		drained = append(drained, q.reserved[k]...)
		delete(q.reserved, k)
	}
	q.mu.Unlock()

	if len(drained) == 0 {
		return false
	}

	for _, pq := range drained {
		pq := pq
		go func() {
			defer close(pq.done)
			resp, err := q.app.ProcessRead(ctx, pq.message)
			if err != nil {
				q.log.Warn().Err(err).Msg("app rejected read, dropping query completion")
				return
			}
			pq.done <- Result{Response: resp}
		}()
	}
	return true
}
