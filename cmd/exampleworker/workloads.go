package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskloom/poolmgr/childproc"
)

// echoWorkload replies with whatever it was given, after hashing it
// once so the round trip is not entirely free.
type echoWorkload struct{ gcHint bool }

func (echoWorkload) Init(ctx context.Context) error { return nil }

func (w echoWorkload) Work(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	sum := sha256.Sum256(data)
	childproc.MaybeFreeMemory(w.gcHint)
	return json.Marshal(map[string]any{
		"echoed":   json.RawMessage(data),
		"sha256":   fmt.Sprintf("%x", sum),
		"received": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// cpuBurnWorkload spends the requested number of milliseconds spinning
// a tight loop, for exercising CPU-percent sampling in Stats.
type cpuBurnWorkload struct{ gcHint bool }

func (cpuBurnWorkload) Init(ctx context.Context) error { return nil }

func (w cpuBurnWorkload) Work(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Milliseconds int `json:"milliseconds"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("cpuburn: %w", err)
	}
	deadline := time.Now().Add(time.Duration(req.Milliseconds) * time.Millisecond)
	var x uint64
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			x = x*1103515245 + 12345
		}
	}
	childproc.MaybeFreeMemory(w.gcHint)
	return json.Marshal(map[string]any{"burned": x})
}

// memAllocWorkload allocates the requested number of megabytes and
// holds them for the duration of the call, for exercising the
// resident-memory ceiling and rlimit enforcement.
type memAllocWorkload struct{ gcHint bool }

func (memAllocWorkload) Init(ctx context.Context) error { return nil }

func (w memAllocWorkload) Work(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Megabytes int `json:"megabytes"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("memalloc: %w", err)
	}
	buf := make([]byte, req.Megabytes*1024*1024)
	for i := range buf {
		buf[i] = byte(i)
	}
	held := len(buf)
	buf = nil
	childproc.MaybeFreeMemory(w.gcHint)
	return json.Marshal(map[string]any{"heldBytes": held})
}
