// Package toolchain runs the external slicer and timelapse encoder. Each
// job runs on its own goroutine and reports through a callback.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var ErrEmptyCommand = errors.New("command template is empty")

// splitTemplate breaks a command template into arguments. Double quotes
// group words and are removed; no shell is involved.
func splitTemplate(tmpl string) []string {
	var (
		args    []string
		cur     strings.Builder
		inQuote bool
		started bool
	)
	for _, r := range tmpl {
		switch {
		case r == '"':
			inQuote = !inQuote
			started = true
		case (r == ' ' || r == '\t') && !inQuote:
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if started {
		args = append(args, cur.String())
	}
	return args
}

// expand substitutes {name} placeholders in every argument.
func expand(tmpl string, vars map[string]string) ([]string, error) {
	args := splitTemplate(tmpl)
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	for i := range args {
		args[i] = r.Replace(args[i])
	}
	return args, nil
}

func run(ctx context.Context, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return msg, fmt.Errorf("%s: %w", args[0], ctxErr)
		}
		return msg, fmt.Errorf("%s: %w", args[0], err)
	}
	return "", nil
}
