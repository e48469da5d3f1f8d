package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// readPassword and isTerminal are test seams for the terminal
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

// promptSecret reads a secret without echo from a terminal, or one line
// from piped stdin.
func (c *cli) promptSecret(prompt string) ([]byte, error) {
	if f, ok := c.stdin.(*os.File); ok && isTerminal(int(f.Fd())) {
		fmt.Fprint(c.stderr, prompt)
		b, err := readPassword(int(f.Fd()))
		fmt.Fprintln(c.stderr)
		if err != nil {
			return nil, err
		}
		return b, nil
	}

	if c.lines == nil {
		c.lines = bufio.NewReader(c.stdin)
	}
	line, err := c.lines.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	line = trimLine(line)
	if len(line) == 0 {
		return nil, errors.New("empty input")
	}
	return line, nil
}
