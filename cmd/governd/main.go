package main

import (
	"io"
	"os"

	"github.com/governd/governd/internal/logging"
)

func main() {
	code := runMain(Execute, os.Stderr)
	if code != 0 {
		os.Exit(code)
	}
}

func runMain(execute func() error, stderr io.Writer) int {
	if err := execute(); err != nil {
		return exitCodeForError(err, stderr)
	}
	return 0
}

func emitCommandError(err error, message string, exitCode int, stderr io.Writer) {
	cfg, cfgErr := logging.LoadConfigFromEnv()
	if cfgErr != nil {
		cfg = logging.DefaultConfig()
	}
	logger := logging.NewLogger(cfg, stderr, commandPath())
	logger.Error(message, "exit_code", exitCode, "error", err)
}

func commandPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return "governd"
}
