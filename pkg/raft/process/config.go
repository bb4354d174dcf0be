package process

import (
	"math/rand"
	"time"
)

// Config tunes the background driver tick intervals (spec §4.6: "all ≈
// 100ms unless noted") and the randomized election window (spec §4.2:
// "typically 150-300ms").
type Config struct {
	ReplicationTick     time.Duration
	HeartbeatTick       time.Duration
	UserApplyTick       time.Duration
	QueryExecutionTick  time.Duration
	SnapshotGCTick      time.Duration
	CompletionSweepTick time.Duration

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// CallTimeout bounds every outbound RPC (spec §5: "default to election
	// window / 2").
	CallTimeout time.Duration
	// ShutdownGrace bounds how long Shutdown waits for the background
	// loops to exit before returning (spec §5, default 1s).
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReplicationTick <= 0 {
		c.ReplicationTick = 100 * time.Millisecond
	}
	if c.HeartbeatTick <= 0 {
		c.HeartbeatTick = 50 * time.Millisecond
	}
	if c.UserApplyTick <= 0 {
		c.UserApplyTick = 100 * time.Millisecond
	}
	if c.QueryExecutionTick <= 0 {
		c.QueryExecutionTick = 100 * time.Millisecond
	}
	if c.SnapshotGCTick <= 0 {
		c.SnapshotGCTick = 100 * time.Millisecond
	}
	if c.CompletionSweepTick <= 0 {
		c.CompletionSweepTick = time.Minute
	}
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if c.ElectionTimeoutMax <= 0 {
		c.ElectionTimeoutMax = 300 * time.Millisecond
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = c.ElectionTimeoutMin / 2
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = time.Second
	}
	return c
}

func (c Config) randomElectionTimeout() time.Duration {
	span := c.ElectionTimeoutMax - c.ElectionTimeoutMin
	if span <= 0 {
		return c.ElectionTimeoutMin
	}
	return c.ElectionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}
