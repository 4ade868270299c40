package cli

import (
	"io"
	"testing"
)

// ExecuteWithArgumentsForTest runs the application with explicit arguments.
func ExecuteWithArgumentsForTest(t *testing.T, application *Application, arguments ...string) error {
	t.Helper()
	application.rootCommand.SetArgs(arguments)
	return application.Execute()
}

// SetOutputForTest redirects command output, including help text.
func SetOutputForTest(application *Application, output io.Writer) {
	application.rootCommand.SetOut(output)
}
