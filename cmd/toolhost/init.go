package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/toolhost/internal/defaults"
)

type initCmd struct {
	Dir string `arg:"" optional:"" default:"." type:"path" help:"Directory to write toolhost.yaml into."`
}

func (c *initCmd) Run(env *runEnv) error {
	return runInit(env.stdout, c.Dir)
}

// runInit writes the annotated example config into dir. An existing
// toolhost.yaml is left untouched.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	path := filepath.Join(dir, "toolhost.yaml")
	written, err := writeIfMissing(path, defaults.ConfigYAML)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "Wrote %s\n", path)
	} else {
		fmt.Fprintf(w, "Kept existing %s\n", path)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit the servers list, then run: toolhost tools")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
