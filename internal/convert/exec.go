package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ExecConverter runs an external conversion program. {source} and {output}
// in Args are replaced with the source locator and the scratch path. The
// program writes the derived file to {output} and a JSON Result to stdout.
type ExecConverter struct {
	Command string
	Args    []string
	Env     []string
}

func (c ExecConverter) Convert(ctx context.Context, sourceURI, scratchPath string) (Result, error) {
	if strings.TrimSpace(c.Command) == "" {
		return Result{}, errors.New("converter command is not configured")
	}
	args := make([]string, 0, len(c.Args))
	for _, a := range c.Args {
		a = strings.ReplaceAll(a, "{source}", sourceURI)
		a = strings.ReplaceAll(a, "{output}", scratchPath)
		args = append(args, a)
	}
	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Env = append(os.Environ(), c.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %s", err, msg)
	}
	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return Result{}, fmt.Errorf("decode converter result: %w", err)
	}
	if res.Log == "" {
		res.Log = stderr.String()
	}
	if _, err := os.Stat(scratchPath); err != nil {
		return Result{}, fmt.Errorf("converter produced no output: %w", err)
	}
	return res, nil
}
