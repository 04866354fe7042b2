package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// maxAttempts bounds invalid entries per parameter.
const maxAttempts = 5

var errSkipped = errors.New("parameter skipped by operator")

// Action records what happened to one parameter.
type Action string

const (
	ActionWritten     Action = "written"
	ActionOverwritten Action = "overwritten"
	ActionKept        Action = "kept"
	ActionSkipped     Action = "skipped"
)

// Result is the outcome for one parameter.
type Result struct {
	Param  Parameter
	Path   string
	Action Action
}

// Runner walks the inventory interactively.
type Runner struct {
	Store  *ParameterStore
	Stdin  io.Reader
	Stderr io.Writer

	scanner *bufio.Scanner
}

func NewRunner(store *ParameterStore) *Runner {
	return &Runner{Store: store, Stdin: os.Stdin, Stderr: os.Stderr}
}

// Run processes params in order and stops at the first SSM failure.
func (r *Runner) Run(ctx context.Context, params []Parameter) ([]Result, error) {
	results := make([]Result, 0, len(params))
	for i, p := range params {
		fmt.Fprintf(r.Stderr, "\n[%d/%d] %s\n", i+1, len(params), p.Label)
		res, err := r.process(ctx, p)
		if err != nil {
			return results, fmt.Errorf("%s: %w", p.Label, err)
		}
		results = append(results, res)
	}
	r.printSummary(results)
	return results, nil
}

func (r *Runner) process(ctx context.Context, p Parameter) (Result, error) {
	path := r.Store.Path(p.Key)
	res := Result{Param: p, Path: path}

	exists, err := r.Store.Exists(ctx, path)
	if err != nil {
		return res, err
	}
	if exists {
		fmt.Fprintf(r.Stderr, "  Already set: %s\n", path)
		overwrite, err := r.confirm("  [K]eep or [O]verwrite? ", "o", "k")
		if err != nil {
			return res, err
		}
		if !overwrite {
			res.Action = ActionKept
			return res, nil
		}
	}

	value, err := r.promptValue(p)
	if errors.Is(err, errSkipped) {
		fmt.Fprintln(r.Stderr, "  Skipped.")
		res.Action = ActionSkipped
		return res, nil
	}
	if err != nil {
		return res, err
	}

	if err := r.Store.Put(ctx, path, value, p.Type, exists); err != nil {
		return res, err
	}
	res.Action = ActionWritten
	if exists {
		res.Action = ActionOverwritten
	}
	fmt.Fprintf(r.Stderr, "  Stored: %s\n", path)
	return res, nil
}

func (r *Runner) promptValue(p Parameter) (string, error) {
	fmt.Fprintf(r.Stderr, "  %s\n", p.Prompt)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var (
			input string
			err   error
		)
		if p.Secret {
			input, err = r.readSecret("  > ")
		} else {
			input, err = r.readLine("  > ")
		}
		if err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			if p.Optional {
				return "", errSkipped
			}
			fmt.Fprintln(r.Stderr, "  A value is required.")
			continue
		}
		if p.Secret {
			fmt.Fprintf(r.Stderr, "  Received %d chars.\n", len(input))
		}
		if p.Validate != nil {
			if err := p.Validate(input); err != nil {
				fmt.Fprintf(r.Stderr, "  Invalid: %v (%d/%d)\n", err, attempt, maxAttempts)
				continue
			}
		}
		return input, nil
	}
	return "", fmt.Errorf("no valid value after %d attempts", maxAttempts)
}

// confirm returns true for yes and false for no, re-asking on anything else.
func (r *Runner) confirm(prompt, yes, no string) (bool, error) {
	for {
		line, err := r.readLine(prompt)
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case yes:
			return true, nil
		case no:
			return false, nil
		}
	}
}

func (r *Runner) readLine(prompt string) (string, error) {
	fmt.Fprint(r.Stderr, prompt)
	if r.scanner == nil {
		r.scanner = bufio.NewScanner(r.Stdin)
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

// readSecret disables echo when stdin is a terminal and falls back to a
// plain line read for piped input.
func (r *Runner) readSecret(prompt string) (string, error) {
	f, ok := r.Stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return r.readLine(prompt)
	}
	fmt.Fprint(r.Stderr, prompt)
	b, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(r.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Runner) printSummary(results []Result) {
	fmt.Fprintln(r.Stderr, "\n------------------------------------------------------------")
	for _, res := range results {
		fmt.Fprintf(r.Stderr, "  %-12s %s\n", strings.ToUpper(string(res.Action)), res.Path)
	}
	fmt.Fprintln(r.Stderr, "------------------------------------------------------------")
}

// PointerLines returns the *_SSM_PARAM variables for every parameter that
// now holds a value, ready to paste into the consumer's environment.
func PointerLines(results []Result) []string {
	var lines []string
	for _, res := range results {
		if res.Action == ActionSkipped {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s_SSM_PARAM=%s", res.Param.EnvVar, res.Path))
	}
	return lines
}
