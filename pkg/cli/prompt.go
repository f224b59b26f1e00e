// Package cli reads sign-in credentials from a terminal or from piped input.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"
	"strings"

	"golang.org/x/term"
)

// MaxAttempts bounds how often a prompt is repeated after invalid answers.
const MaxAttempts = 3

var (
	// ErrNoInput is returned when input ends before an answer was given.
	ErrNoInput = errors.New("no input")
	// ErrInvalidEmail is returned for an address that is not a bare email.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrEmptyPassword is returned for a blank password.
	ErrEmptyPassword = errors.New("password is required")
)

// Prompter asks for credentials on Out and reads answers from In.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

func (p *Prompter) scan() *bufio.Scanner {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	return p.scanner
}

// readLine returns the next line without its line ending. ok is false once
// input is exhausted.
func (p *Prompter) readLine() (line string, ok bool) {
	if !p.scan().Scan() {
		return "", false
	}
	return strings.TrimRight(p.scan().Text(), "\r"), true
}

// ValidateEmail accepts a bare address such as agent@acme.test. Display
// names and angle brackets are rejected.
func ValidateEmail(s string) error {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Name != "" || addr.Address != s {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, s)
	}
	return nil
}

// Email asks for an account email until a valid one is entered.
func (p *Prompter) Email(label string) (string, error) {
	return p.ask(label, func() (string, bool) {
		line, ok := p.readLine()
		return strings.TrimSpace(line), ok
	}, ValidateEmail)
}

// Password asks for a non-empty password. On a terminal the input is not
// echoed and is taken as typed, surrounding spaces included.
func (p *Prompter) Password(label string) (string, error) {
	return p.ask(label, p.readSecret, func(s string) error {
		if strings.TrimSpace(s) == "" {
			return ErrEmptyPassword
		}
		return nil
	})
}

func (p *Prompter) readSecret() (string, bool) {
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out)
		if err != nil {
			return "", false
		}
		return strings.TrimRight(string(b), "\r\n"), true
	}
	return p.readLine()
}

// ask repeats the prompt until check accepts the answer, input ends or
// MaxAttempts answers were rejected.
func (p *Prompter) ask(label string, read func() (string, bool), check func(string) error) (string, error) {
	var lastErr error
	for range MaxAttempts {
		_, _ = fmt.Fprintf(p.Out, "%s: ", label)
		answer, ok := read()
		if !ok {
			return "", fmt.Errorf("%s: %w", strings.ToLower(label), ErrNoInput)
		}
		if lastErr = check(answer); lastErr == nil {
			return answer, nil
		}
		_, _ = fmt.Fprintf(p.Out, "%v\n", lastErr)
	}
	return "", fmt.Errorf("%s: giving up after %d attempts: %w", strings.ToLower(label), MaxAttempts, lastErr)
}
