package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEchoWorkloadReturnsHashAndPayload(t *testing.T) {
	w := echoWorkload{}
	out, err := w.Work(context.Background(), json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	var parsed struct {
		Echoed json.RawMessage `json:"echoed"`
		SHA256 string          `json:"sha256"`
	}
	require.NoError(t, json.Unmarshal(out, &parsed))
	require.JSONEq(t, `{"n":1}`, string(parsed.Echoed))
	require.NotEmpty(t, parsed.SHA256)
}

func TestCPUBurnWorkloadRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := cpuBurnWorkload{}
	_, err := w.Work(ctx, json.RawMessage(`{"milliseconds":5000}`))
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemAllocWorkloadReportsHeldBytes(t *testing.T) {
	w := memAllocWorkload{}
	out, err := w.Work(context.Background(), json.RawMessage(`{"megabytes":1}`))
	require.NoError(t, err)

	var parsed struct {
		HeldBytes int `json:"heldBytes"`
	}
	require.NoError(t, json.Unmarshal(out, &parsed))
	require.Equal(t, 1024*1024, parsed.HeldBytes)
}
