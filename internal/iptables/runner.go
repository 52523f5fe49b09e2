package iptables

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// Runner issues one rule-table mutation or query per call.
type Runner interface {
	Run(ctx context.Context, cmd string, args ...string) error
	Output(ctx context.Context, cmd string, args ...string) (string, error)
}

// ExecRunner runs iptables/ip6tables as external commands.
type ExecRunner struct {
	Verbose bool
}

func (r ExecRunner) Run(ctx context.Context, cmd string, args ...string) error {
	if r.Verbose {
		log.Printf("firewall: %s %s", cmd, strings.Join(args, " "))
	}

	out, err := exec.CommandContext(ctx, cmd, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", cmd, strings.Join(args, " "), err, bytes.TrimSpace(out))
	}
	return nil
}

func (r ExecRunner) Output(ctx context.Context, cmd string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, cmd, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", cmd, strings.Join(args, " "), err)
	}
	return string(out), nil
}
