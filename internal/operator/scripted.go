package operator

import (
	"context"
	"fmt"
	"io"
	"sync"

	"gopkg.in/yaml.v3"
)

const scriptDecodingErrorTemplateConstant = "unable to decode operator answers: %w"

// Script holds prepared answers for unattended runs.
type Script struct {
	Answers       map[string]string `yaml:"answers"`
	Confirmations map[string]bool   `yaml:"confirmations"`
}

// LoadScript decodes a YAML answers document.
func LoadScript(reader io.Reader) (Script, error) {
	var script Script
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if decodingError := decoder.Decode(&script); decodingError != nil && decodingError != io.EOF {
		return Script{}, fmt.Errorf(scriptDecodingErrorTemplateConstant, decodingError)
	}
	return script, nil
}

// Scripted answers questions from a Script and writes notices to an output stream.
// Each scripted confirmation answers once, so a check that keeps failing cannot loop.
type Scripted struct {
	script            Script
	writer            io.Writer
	mutex             sync.Mutex
	usedConfirmations map[string]struct{}
}

// NewScripted constructs a scripted interaction; output may be nil.
func NewScripted(script Script, output io.Writer) *Scripted {
	if output == nil {
		output = io.Discard
	}
	return &Scripted{script: script, writer: output, usedConfirmations: map[string]struct{}{}}
}

// Prompt returns the prepared answer, the default, or MissingAnswerError.
func (scripted *Scripted) Prompt(promptContext context.Context, question Question) (string, error) {
	if contextError := promptContext.Err(); contextError != nil {
		return "", contextError
	}
	if answer, exists := scripted.script.Answers[question.Key]; exists && len(answer) > 0 {
		return answer, nil
	}
	if len(question.Default) > 0 || question.Optional {
		return question.Default, nil
	}
	return "", MissingAnswerError{Key: question.Key}
}

// Confirm returns the prepared confirmation; an unscripted or repeated confirmation is an error.
func (scripted *Scripted) Confirm(promptContext context.Context, key string, prompt string) (bool, error) {
	if contextError := promptContext.Err(); contextError != nil {
		return false, contextError
	}
	scripted.mutex.Lock()
	confirmed, exists := scripted.script.Confirmations[key]
	_, used := scripted.usedConfirmations[key]
	if exists && !used {
		scripted.usedConfirmations[key] = struct{}{}
	}
	scripted.mutex.Unlock()
	if !exists || used {
		return false, MissingAnswerError{Key: key}
	}
	scripted.Notify(prompt)
	return confirmed, nil
}

// RevealSecret writes the secret to the output stream.
func (scripted *Scripted) RevealSecret(promptContext context.Context, label string, secret string) error {
	if contextError := promptContext.Err(); contextError != nil {
		return contextError
	}
	scripted.mutex.Lock()
	defer scripted.mutex.Unlock()
	_, writeError := fmt.Fprintf(scripted.writer, secretRevealTemplateConstant, label, secret)
	return writeError
}

// Notify writes message to the output stream.
func (scripted *Scripted) Notify(message string) {
	scripted.mutex.Lock()
	defer scripted.mutex.Unlock()
	_, _ = io.WriteString(scripted.writer, message+newlineConstant)
}
