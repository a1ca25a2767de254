package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on a line-oriented terminal
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
	// fd is the terminal to read passwords from without echo, -1 if none
	fd int
}

// NewPrompter reads answers from in and writes questions to out. When in is
// a terminal, passwords are read without echo.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	fd := -1
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd = int(f.Fd())
	}
	return &Prompter{in: bufio.NewReader(in), out: out, fd: fd}
}

// Println writes a line of text
func (p *Prompter) Println(a ...any) {
	_, _ = fmt.Fprintln(p.out, a...)
}

// Ask prints question and returns the trimmed answer, or def when the answer is empty
func (p *Prompter) Ask(question, def string) (string, error) {
	if def != "" {
		_, _ = fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		_, _ = fmt.Fprintf(p.out, "%s: ", question)
	}

	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("unexpected end of input: %w", err)
		}
		return "", err
	}

	answer := strings.TrimSpace(line)
	if answer == "" {
		return def, nil
	}
	return answer, nil
}

// Confirm asks a yes/no question; an empty answer yields def
func (p *Prompter) Confirm(question string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	answer, err := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if err != nil {
		return false, err
	}

	switch strings.ToLower(answer) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	default:
		return def, nil
	}
}

// Password asks for a secret, hiding the input on a terminal
func (p *Prompter) Password(question string) (string, error) {
	if p.fd < 0 {
		return p.Ask(question, "")
	}

	_, _ = fmt.Fprintf(p.out, "%s: ", question)
	secret, err := term.ReadPassword(p.fd)
	_, _ = fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}
