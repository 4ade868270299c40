package pathutils

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	homeShortcutConstant          = "~"
	forwardSlashSeparatorConstant = "/"
)

// HomeDirectoryProvider resolves the current user's home directory path.
type HomeDirectoryProvider func() (string, error)

// HomeExpander rewrites "~" shortcuts in operator supplied paths such as
// answers files, secret files and configuration search directories.
type HomeExpander struct {
	homeDirectoryProvider HomeDirectoryProvider
	homeDirectory         string
	homeDirectoryError    error
	lookupOnce            sync.Once
}

// NewHomeExpander constructs a HomeExpander backed by os.UserHomeDir.
func NewHomeExpander() *HomeExpander {
	return NewHomeExpanderWithProvider(nil)
}

// NewHomeExpanderWithProvider constructs a HomeExpander with a custom home directory lookup.
func NewHomeExpanderWithProvider(provider HomeDirectoryProvider) *HomeExpander {
	if provider == nil {
		provider = os.UserHomeDir
	}
	return &HomeExpander{homeDirectoryProvider: provider}
}

// Expand resolves a leading "~" to the home directory. Paths naming another
// user's home ("~alice/...") and paths without the shortcut are returned as is,
// as are all paths when the home directory cannot be determined.
func (expander *HomeExpander) Expand(candidatePath string) string {
	if expander == nil || !strings.HasPrefix(candidatePath, homeShortcutConstant) {
		return candidatePath
	}

	remainder := strings.TrimPrefix(candidatePath, homeShortcutConstant)
	if len(remainder) > 0 && !isSeparatorPrefixed(remainder) {
		return candidatePath
	}

	homeDirectory, available := expander.lookupHomeDirectory()
	if !available {
		return candidatePath
	}
	if len(remainder) == 0 {
		return homeDirectory
	}
	return filepath.Join(homeDirectory, remainder[1:])
}

// ExpandAll expands every entry, preserving order and leaving the input untouched.
func (expander *HomeExpander) ExpandAll(candidatePaths []string) []string {
	expandedPaths := make([]string, len(candidatePaths))
	for candidateIndex, candidatePath := range candidatePaths {
		expandedPaths[candidateIndex] = expander.Expand(candidatePath)
	}
	return expandedPaths
}

func (expander *HomeExpander) lookupHomeDirectory() (string, bool) {
	expander.lookupOnce.Do(func() {
		expander.homeDirectory, expander.homeDirectoryError = expander.homeDirectoryProvider()
	})
	if expander.homeDirectoryError != nil || len(expander.homeDirectory) == 0 {
		return "", false
	}
	return expander.homeDirectory, true
}

func isSeparatorPrefixed(value string) bool {
	return strings.HasPrefix(value, forwardSlashSeparatorConstant) || strings.HasPrefix(value, string(os.PathSeparator))
}
