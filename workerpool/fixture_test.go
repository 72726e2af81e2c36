package workerpool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeFixtureScript writes a POSIX shell script standing in for a
// real childproc.Serve-based worker, so dispatcher tests can exercise
// real process spawn/pipe/exit semantics without compiling a Go
// helper binary. body is embedded into a read loop over stdin lines;
// it receives $type and $id shell variables per message.
func writeFixtureScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.sh")
	script := "#!/bin/sh\n" +
		"while IFS= read -r line; do\n" +
		`  type=$(printf '%s' "$line" | sed -n 's/.*"type":"\([^"]*\)".*/\1/p')` + "\n" +
		`  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')` + "\n" +
		body +
		"done\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// echoScript replies INIT_DONE to INIT and WORK_DONE with null data to
// WORK, exiting cleanly on TERMINATE.
func echoScript(t *testing.T) string {
	return writeFixtureScript(t, `  case "$type" in
    INIT) printf '{"id":"%s","type":"INIT_DONE","ok":true,"data":{"pid":%d}}\n' "$id" "$$" ;;
    WORK) printf '{"id":"%s","type":"WORK_DONE","ok":true,"data":null}\n' "$id" ;;
    TERMINATE) exit 0 ;;
  esac
`)
}

// slowEchoScript behaves like echoScript but sleeps briefly before
// replying to WORK, so tests can force a worker to stay "busy".
func slowEchoScript(t *testing.T, sleepSeconds string) string {
	return writeFixtureScript(t, `  case "$type" in
    INIT) printf '{"id":"%s","type":"INIT_DONE","ok":true,"data":{"pid":%d}}\n' "$id" "$$" ;;
    WORK) sleep `+sleepSeconds+`; printf '{"id":"%s","type":"WORK_DONE","ok":true,"data":null}\n' "$id" ;;
    TERMINATE) exit 0 ;;
  esac
`)
}

// crashOnWorkScript replies to INIT normally but exits nonzero the
// instant it receives a WORK message, without replying — simulating a
// worker crashing mid-task.
func crashOnWorkScript(t *testing.T) string {
	return writeFixtureScript(t, `  case "$type" in
    INIT) printf '{"id":"%s","type":"INIT_DONE","ok":true,"data":{"pid":%d}}\n' "$id" "$$" ;;
    WORK) exit 7 ;;
    TERMINATE) exit 0 ;;
  esac
`)
}
