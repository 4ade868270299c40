package operator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/temirov/pdsmigrate/internal/utils"
)

const (
	promptTemplateConstant            = "%s: "
	promptWithDefaultTemplateConstant = "%s [%s]: "
	valueRequiredMessageConstant      = "A value is required.\n"
	confirmationSuffixConstant        = " [y/N]: "
	secretRevealTemplateConstant      = "%s:\n\n    %s\n\n"
	newlineConstant                   = "\n"
	affirmativeShortAnswerConstant    = "y"
	affirmativeLongAnswerConstant     = "yes"
)

// SecretReader reads one line of input without echoing it.
type SecretReader func() ([]byte, error)

// Terminal prompts on a line-oriented console, hiding secret answers when input is a TTY.
type Terminal struct {
	reader       *bufio.Reader
	writer       io.Writer
	secretReader SecretReader
}

// NewTerminal constructs a terminal interaction over input and output.
func NewTerminal(input io.Reader, output io.Writer) *Terminal {
	terminal := &Terminal{reader: bufio.NewReader(input), writer: utils.NewConsoleWriter(output)}
	if inputFile, isFile := input.(*os.File); isFile && term.IsTerminal(int(inputFile.Fd())) {
		fileDescriptor := int(inputFile.Fd())
		terminal.secretReader = func() ([]byte, error) {
			return term.ReadPassword(fileDescriptor)
		}
	}
	return terminal
}

// WithSecretReader overrides how secret answers are read.
func (terminal *Terminal) WithSecretReader(secretReader SecretReader) *Terminal {
	terminal.secretReader = secretReader
	return terminal
}

// Prompt asks the question until a usable answer arrives or input ends.
func (terminal *Terminal) Prompt(promptContext context.Context, question Question) (string, error) {
	for {
		if contextError := promptContext.Err(); contextError != nil {
			return "", contextError
		}

		promptText := fmt.Sprintf(promptTemplateConstant, question.Label)
		if len(question.Default) > 0 && !question.Secret {
			promptText = fmt.Sprintf(promptWithDefaultTemplateConstant, question.Label, question.Default)
		}
		if _, writeError := io.WriteString(terminal.writer, promptText); writeError != nil {
			return "", writeError
		}

		answer, readError := terminal.readAnswer(question.Secret)
		if readError != nil && !errors.Is(readError, io.EOF) {
			return "", readError
		}

		trimmedAnswer := strings.TrimSpace(answer)
		if len(trimmedAnswer) == 0 {
			trimmedAnswer = question.Default
		}
		if len(trimmedAnswer) > 0 || question.Optional {
			return trimmedAnswer, nil
		}
		if errors.Is(readError, io.EOF) {
			return "", MissingAnswerError{Key: question.Key}
		}
		if _, writeError := io.WriteString(terminal.writer, valueRequiredMessageConstant); writeError != nil {
			return "", writeError
		}
	}
}

// Confirm writes the prompt and interprets affirmative responses (y/yes).
func (terminal *Terminal) Confirm(promptContext context.Context, key string, prompt string) (bool, error) {
	if contextError := promptContext.Err(); contextError != nil {
		return false, contextError
	}
	if _, writeError := io.WriteString(terminal.writer, prompt+confirmationSuffixConstant); writeError != nil {
		return false, writeError
	}

	response, readError := terminal.reader.ReadString('\n')
	if readError != nil && !errors.Is(readError, io.EOF) {
		return false, readError
	}

	switch strings.TrimSpace(strings.ToLower(response)) {
	case affirmativeShortAnswerConstant, affirmativeLongAnswerConstant:
		return true, nil
	default:
		return false, nil
	}
}

// RevealSecret prints a secret once so the operator can store it.
func (terminal *Terminal) RevealSecret(promptContext context.Context, label string, secret string) error {
	if contextError := promptContext.Err(); contextError != nil {
		return contextError
	}
	_, writeError := fmt.Fprintf(terminal.writer, secretRevealTemplateConstant, label, secret)
	return writeError
}

// Notify prints an informational message.
func (terminal *Terminal) Notify(message string) {
	_, _ = io.WriteString(terminal.writer, message+newlineConstant)
}

func (terminal *Terminal) readAnswer(secret bool) (string, error) {
	if secret && terminal.secretReader != nil {
		secretBytes, readError := terminal.secretReader()
		_, _ = io.WriteString(terminal.writer, newlineConstant)
		return string(secretBytes), readError
	}
	return terminal.reader.ReadString('\n')
}
