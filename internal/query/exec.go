package query

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// ExecBackend runs a local command per turn. The request JSON is written to
// stdin and the reply JSON is read from stdout.
type ExecBackend struct {
	cmd  []string
	flow string
}

func NewExecBackend(command, flow string) (*ExecBackend, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse backend command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("backend command empty")
	}
	return &ExecBackend{cmd: args, flow: flow}, nil
}

func (b *ExecBackend) Call(ctx context.Context, req Request) (Reply, error) {
	input, err := requestBody(b.flow, req)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: encode request: %v", ErrBackendCallFailed, err)
	}

	cmd := exec.CommandContext(ctx, b.cmd[0], b.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return Reply{}, fmt.Errorf("%w: backend command: %v: %s", ErrBackendCallFailed, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return ParseReply(output)
}
