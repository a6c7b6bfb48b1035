package screen

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// Default power commands for a Raspberry Pi HDMI output. Re-setting the
// framebuffer depth after power-on forces the console to repaint.
const (
	DefaultPowerOffCmd = "/opt/vc/bin/tvservice -o"
	DefaultPowerOnCmd  = "/opt/vc/bin/tvservice -p; fbset -depth 8; fbset -depth 16"
)

// PowerSwitch turns the physical display on and off.
type PowerSwitch interface {
	On(ctx context.Context) error
	Off(ctx context.Context) error
}

// CommandPower runs a shell command for each transition.
type CommandPower struct {
	OnCmd   string
	OffCmd  string
	Timeout time.Duration
}

// NewCommandPower returns a CommandPower with the given commands, using
// the defaults for empty ones.
func NewCommandPower(onCmd, offCmd string) *CommandPower {
	if onCmd == "" {
		onCmd = DefaultPowerOnCmd
	}
	if offCmd == "" {
		offCmd = DefaultPowerOffCmd
	}
	return &CommandPower{OnCmd: onCmd, OffCmd: offCmd, Timeout: 10 * time.Second}
}

func (p *CommandPower) On(ctx context.Context) error  { return p.run(ctx, "on", p.OnCmd) }
func (p *CommandPower) Off(ctx context.Context) error { return p.run(ctx, "off", p.OffCmd) }

func (p *CommandPower) run(ctx context.Context, state, command string) error {
	if command == "" {
		return nil
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	if err != nil {
		return fmt.Errorf("display power %s: %w (output: %s)", state, err, out)
	}
	slog.Debug("display power", slog.String("state", state), slog.String("component", "screen"))
	return nil
}

// NopPower does nothing. It is used for surfaces without a physical
// display such as the terminal preview.
type NopPower struct{}

func (NopPower) On(context.Context) error  { return nil }
func (NopPower) Off(context.Context) error { return nil }
