package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/alexjbarnes/plumesign/internal/developer"
	"github.com/alexjbarnes/plumesign/internal/gsa"
	"github.com/awnumar/memguard"
	"golang.org/x/term"
)

var errNoInput = errors.New("no input")

// prompter asks the user for passwords, codes and team choices. A nil
// prompter refuses every question.
type prompter struct {
	in  *bufio.Reader
	out io.Writer

	// tty is set when in is a terminal, so secrets can be read without
	// echo.
	tty *os.File
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	p := &prompter{in: bufio.NewReader(in), out: out}

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.tty = f
	}

	return p
}

// ttyPrompter talks to the controlling terminal directly, for commands
// whose stdin is taken. It returns nil when there is no terminal.
func ttyPrompter() (*prompter, func()) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, func() {}
	}

	return newPrompter(tty, tty), func() { tty.Close() }
}

// Line prints label and returns the trimmed answer.
func (p *prompter) Line(ctx context.Context, label string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("cannot ask for %q: no terminal available", strings.TrimSuffix(strings.TrimSpace(label), ":"))
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	fmt.Fprint(p.out, label)

	line, err := p.in.ReadString('\n')
	line = strings.TrimSpace(line)

	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", errNoInput
		}

		return "", fmt.Errorf("reading input: %w", err)
	}

	if line == "" {
		return "", errNoInput
	}

	return line, nil
}

// Secret is Line without echo when the input is a terminal. Piped input
// is read as a plain line.
func (p *prompter) Secret(ctx context.Context, label string) (string, error) {
	if p == nil || p.tty == nil {
		return p.Line(ctx, label)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	fmt.Fprint(p.out, label)

	b, err := term.ReadPassword(int(p.tty.Fd()))
	fmt.Fprintln(p.out)

	defer memguard.WipeBytes(b)

	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}

	secret := strings.TrimSpace(string(b))
	if secret == "" {
		return "", errNoInput
	}

	return secret, nil
}

// Code asks for a one-time code. It satisfies gsa.CodePrompt.
func (p *prompter) Code(ctx context.Context, kind gsa.SecondFactor) (string, error) {
	label := "Verification code: "

	switch kind {
	case gsa.SecondFactorTrustedDevice:
		label = "Code shown on your trusted device: "
	case gsa.SecondFactorSMS:
		label = "Code sent by SMS: "
	}

	return p.Secret(ctx, label)
}

// SelectTeam lists teams and accepts either a number from the list or a
// team id. It satisfies developer.TeamSelector.
func (p *prompter) SelectTeam(ctx context.Context, teams []developer.Team) (string, error) {
	if p != nil {
		fmt.Fprintln(p.out, "This account belongs to several teams:")

		for i, t := range teams {
			fmt.Fprintf(p.out, "  %d) %s (%s)\n", i+1, t.Name, t.ID)
		}
	}

	answer, err := p.Line(ctx, "Team: ")
	if err != nil {
		return "", err
	}

	n, err := strconv.Atoi(answer)
	if err != nil {
		return answer, nil
	}

	if n < 1 || n > len(teams) {
		return "", fmt.Errorf("team number %d is not between 1 and %d", n, len(teams))
	}

	return teams[n-1].ID, nil
}
