// Package cli holds interactive prompts for the ksud commands.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/mattn/go-isatty"

	"github.com/kernelsu/ksud/internal/types"
)

// Prompter asks the user questions on a terminal.
type Prompter struct {
	// Yes answers every question with yes.
	Yes bool
	// Interactive is false when In is not a terminal.
	Interactive bool

	in  *bufio.Reader
	out io.Writer
}

// NewPrompter creates a Prompter on stdin and stdout.
func NewPrompter(yes bool) *Prompter {
	fd := os.Stdin.Fd()
	return &Prompter{
		Yes:         yes,
		Interactive: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
		in:          bufio.NewReader(os.Stdin),
		out:         os.Stdout,
	}
}

// NewTestPrompter creates an interactive Prompter over in and out.
func NewTestPrompter(in io.Reader, out io.Writer, yes bool) *Prompter {
	return &Prompter{Yes: yes, Interactive: true, in: bufio.NewReader(in), out: out}
}

// AskYesNo prompts for a yes/no answer with a default.
func (p *Prompter) AskYesNo(msg string, def bool) bool {
	defStr := "yes"
	if !def {
		defStr = "no"
	}
	if p.Yes {
		fmt.Fprintf(p.out, "%s [%s]: yes\n", msg, defStr)
		return true
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", msg, defStr)
		in, err := p.in.ReadString('\n')
		in = strings.TrimSpace(strings.ToLower(in))
		if in == "" {
			if err != nil {
				// EOF without an answer
				return false
			}
			return def
		}
		if in == "y" || in == "yes" {
			return true
		}
		if in == "n" || in == "no" {
			return false
		}
		fmt.Fprintln(p.out, "Please answer 'yes' or 'no'.")
	}
}

// ConfirmFlash asks before overwriting a partition. Without a terminal the
// caller must have passed --yes.
func (p *Prompter) ConfirmFlash(part *types.Partition, size int) error {
	if !p.Yes && !p.Interactive {
		return types.Errorf(types.InvalidPlan, "refusing to flash %s without confirmation, pass --yes", part.Name)
	}
	fmt.Fprintf(p.out, "\nSummary:\n")
	fmt.Fprintf(p.out, "  Partition: %s\n", part.Name)
	fmt.Fprintf(p.out, "  Device:    %s\n", part.Device)
	fmt.Fprintf(p.out, "  Image:     %d bytes\n", size)
	fmt.Fprintf(p.out, "\nWARNING: %s WILL BE OVERWRITTEN!\n\n", part.Name)
	if !p.AskYesNo("Continue?", false) {
		return errors.Newf("flash of %s aborted by user", part.Name)
	}
	return nil
}
