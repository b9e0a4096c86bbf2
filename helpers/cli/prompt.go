// Package cli runs interactive line loop on terminal, or executes stdin lines otherwise.
package cli

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

// MainLoop returns when input ends (Ctrl-D on terminal) or ctx is done.
func MainLoop(ctx context.Context, tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) error {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			prompt.New(exec, complete,
				prompt.OptionTitle(tag),
				prompt.OptionPrefix(tag+"> "),
			).Run()
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return Batch(ctx, os.Stdin, exec)
}

// Batch executes every non-empty line from r.
func Batch(ctx context.Context, r io.Reader, exec func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		exec(line)
	}
	return errors.Annotate(scanner.Err(), "cli input")
}
