package manip

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/protocol"
)

// Command runs the external helper binary once per request:
//
//	<path> mkdir -m 0755 -u user -g group <dir>
//	<path> mv -m 0755 -u user -g group <src> <dst>
type Command struct {
	Path string
	Args []string
}

func NewCommand(path string, args ...string) *Command {
	return &Command{Path: path, Args: args}
}

func (c *Command) Mkdir(ctx context.Context, mode uint32, user, group, path string) error {
	return c.run(ctx, "mkdir", mode, user, group, path)
}

func (c *Command) Move(ctx context.Context, mode uint32, user, group, src, dst string) error {
	return c.run(ctx, "mv", mode, user, group, src, dst)
}

func (c *Command) run(ctx context.Context, sub string, mode uint32, user, group string, paths ...string) error {
	args := append([]string{}, c.Args...)
	args = append(args, sub, "-m", protocol.FormatMode(mode), "-u", user, "-g", group)
	args = append(args, paths...)

	cmd := exec.CommandContext(ctx, c.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return common.NewError(common.ErrTimeout, "%s %s: %v", c.Path, sub, ctx.Err())
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = err.Error()
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return common.NewError(common.ErrInternal, "%s %s: %v", c.Path, sub, err)
	}
	return common.NewError(classifyMessage(msg), "%s %s: %s", c.Path, sub, msg)
}

// classifyMessage recovers an error code from the helper's stderr.
func classifyMessage(msg string) common.Err {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "exists"), strings.Contains(lower, "not empty"):
		return common.ErrAlreadyExists
	case strings.Contains(lower, "no such file"), strings.Contains(lower, "not found"):
		return common.ErrNotFound
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "not permitted"):
		return common.ErrPrecondition
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "unknown"):
		return common.ErrInvalidArgument
	}
	return common.ErrInternal
}
