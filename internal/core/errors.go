package core

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError reports a problem with the environment or inputs that
// makes a run impossible, such as a missing git executable or a malformed
// upstream descriptor. It is raised before state is mutated where possible.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SourceNotFoundError reports a requested environment or repository that
// does not exist in the source installation.
type SourceNotFoundError struct {
	Kind string // "environment", "repository" or "extension"
	Name string
	Path string
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("no source %s %q at %s", e.Kind, e.Name, e.Path)
}

// CollisionError reports a destination entry that already exists and is not
// the link the stage would have created.
type CollisionError struct {
	Name     string
	Path     string
	Existing string // what is there now, for display
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("environment %q already exists at %s (%s)", e.Name, e.Path, e.Existing)
}

// ToolErrorKind classifies why an external command failed.
type ToolErrorKind int

const (
	// ToolErrUnknown is an unclassified failure.
	ToolErrUnknown ToolErrorKind = iota
	// ToolErrRepoNotFound means the clone source is not a repository.
	ToolErrRepoNotFound
	// ToolErrBranchNotFound means the requested branch does not exist at the source.
	ToolErrBranchNotFound
	// ToolErrUnsafeRepository means git refused a repository owned by another user.
	ToolErrUnsafeRepository
	// ToolErrDestinationExists means the clone destination is a non-empty directory.
	ToolErrDestinationExists
	// ToolErrAuth means authentication against a remote failed.
	ToolErrAuth
	// ToolErrNetwork means the remote host could not be reached.
	ToolErrNetwork
)

// String returns a human-readable label for the error kind.
func (k ToolErrorKind) String() string {
	switch k {
	case ToolErrRepoNotFound:
		return "Repository Not Found"
	case ToolErrBranchNotFound:
		return "Branch Not Found"
	case ToolErrUnsafeRepository:
		return "Unsafe Repository"
	case ToolErrDestinationExists:
		return "Destination Exists"
	case ToolErrAuth:
		return "Authentication Required"
	case ToolErrNetwork:
		return "Network Error"
	default:
		return "Unknown Error"
	}
}

// ExternalToolError is returned when a subprocess exits non-zero.
// It wraps the raw output with a classification and actionable hints.
type ExternalToolError struct {
	Kind      ToolErrorKind
	Command   string // the full command line, for display
	Dir       string
	ExitCode  int
	RawOutput string
	Hints     []string
	Err       error
}

// Error implements the error interface.
func (e *ExternalToolError) Error() string {
	return fmt.Sprintf("%s failed (%s): %s", e.Command, e.Kind, e.firstLine())
}

func (e *ExternalToolError) Unwrap() error { return e.Err }

// firstLine returns the first non-empty line of raw output for a concise error message.
func (e *ExternalToolError) firstLine() string {
	for _, line := range strings.Split(e.RawOutput, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Cloning into") {
			return line
		}
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "exit status " + fmt.Sprint(e.ExitCode)
}

// IsExternalToolError checks whether err wraps an *ExternalToolError and returns it.
func IsExternalToolError(err error) (*ExternalToolError, bool) {
	var te *ExternalToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsCollisionError checks whether err wraps a *CollisionError and returns it.
func IsCollisionError(err error) (*CollisionError, bool) {
	var ce *CollisionError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsSourceNotFoundError checks whether err wraps a *SourceNotFoundError and returns it.
func IsSourceNotFoundError(err error) (*SourceNotFoundError, bool) {
	var se *SourceNotFoundError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsConfigurationError checks whether err wraps a *ConfigurationError and returns it.
func IsConfigurationError(err error) (*ConfigurationError, bool) {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// ClassifyToolError examines a failed command's output and returns a
// structured ExternalToolError.
func ClassifyToolError(c Command, exitCode int, rawOutput string, err error) *ExternalToolError {
	kind := classifyOutput(rawOutput)
	return &ExternalToolError{
		Kind:      kind,
		Command:   c.String(),
		Dir:       c.Dir,
		ExitCode:  exitCode,
		RawOutput: strings.TrimSpace(rawOutput),
		Hints:     hintsForError(kind, c),
		Err:       err,
	}
}

// classifyOutput pattern-matches git stderr to determine the error kind.
func classifyOutput(output string) ToolErrorKind {
	lower := strings.ToLower(output)

	if strings.Contains(lower, "dubious ownership") ||
		strings.Contains(lower, "safe.directory") {
		return ToolErrUnsafeRepository
	}

	if strings.Contains(lower, "already exists and is not an empty directory") {
		return ToolErrDestinationExists
	}

	if strings.Contains(lower, "remote branch") && strings.Contains(lower, "not found") {
		return ToolErrBranchNotFound
	}

	if strings.Contains(lower, "could not read username") ||
		strings.Contains(lower, "authentication failed") ||
		strings.Contains(lower, "permission denied (publickey)") {
		return ToolErrAuth
	}

	if strings.Contains(lower, "repository not found") ||
		strings.Contains(lower, "does not appear to be a git repository") ||
		strings.Contains(lower, "not a git repository") {
		return ToolErrRepoNotFound
	}

	if strings.Contains(lower, "could not resolve host") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "network is unreachable") {
		return ToolErrNetwork
	}

	return ToolErrUnknown
}

// hintsForError returns actionable suggestions based on the error kind.
func hintsForError(kind ToolErrorKind, c Command) []string {
	switch kind {
	case ToolErrUnsafeRepository:
		return []string{
			"git refused to read a repository owned by another user",
			"Run `git config --global --add safe.directory <path>` for the source, or provision as its owner",
		}
	case ToolErrDestinationExists:
		return []string{
			"The destination is already populated; remove it before provisioning again",
		}
	case ToolErrBranchNotFound:
		return []string{
			"Check the branch name passed with --remote-branch or configured for the repository",
		}
	case ToolErrRepoNotFound:
		return []string{
			"Verify the --remote argument points at a git repository",
		}
	case ToolErrAuth:
		return []string{
			"Configure credentials for the remote, or clone from a local checkout with --remote",
		}
	case ToolErrNetwork:
		return []string{
			"Check your network connection and the hostname in the remote URL",
		}
	default:
		return []string{
			fmt.Sprintf("Try running `%s` manually to diagnose the issue", c.String()),
		}
	}
}
