package cli

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
)

const (
	versionOutputTemplateConstant = "%s version: %s\n"
	developmentVersionConstant    = "dev"
	develBuildVersionConstant     = "(devel)"
)

// printVersion writes the build version and exits before any configuration is read.
func (application *Application) printVersion(command *cobra.Command) {
	versionContext := context.Background()
	output := application.rootCommand.OutOrStdout()
	if command != nil {
		output = command.OutOrStdout()
		if command.Context() != nil {
			versionContext = command.Context()
		}
	}
	fmt.Fprintf(output, versionOutputTemplateConstant, applicationNameConstant, application.versionResolver(versionContext))
	application.exitFunction(0)
}

// resolveBuildVersion reports the module version stamped by `go install`, or
// "dev" for local builds.
func resolveBuildVersion(context.Context) string {
	buildInformation, available := debug.ReadBuildInfo()
	if !available {
		return developmentVersionConstant
	}
	version := strings.TrimSpace(buildInformation.Main.Version)
	if version == "" || version == develBuildVersionConstant {
		return developmentVersionConstant
	}
	return version
}
