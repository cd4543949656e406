package main

import (
	"os"
	"strconv"

	"github.com/pixl-imaging/pixl-core/cmn"
)

// writePidFile records this process's pid so a later `stop` invocation
// (a separate process) can find it to send SIGTERM.
func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return cmn.WithKind(cmn.KindConfigInvalid, err)
	}
	return nil
}
