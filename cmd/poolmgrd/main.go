// Command poolmgrd is the pool manager daemon: it loads a YAML config
// of worker pools, spawns and supervises them, and serves an HTTP
// front-end for task submission and stats.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
