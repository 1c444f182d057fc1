package cli

import (
	"errors"
	"fmt"

	"mercator-hq/prgate/pkg/governance"
)

// ConfigError represents an error in configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config error: " + e.Message
	}
	return fmt.Sprintf("config error in %s: %s", e.Field, e.Message)
}

// CommandError represents an error from a command execution.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// BlockedError reports that an analyzed change did not pass.
type BlockedError struct {
	Key         governance.ScopeKey
	FinalStatus governance.FinalStatus
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s is blocked (%s)", e.Key, e.FinalStatus)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// NewCommandError creates a new CommandError.
func NewCommandError(command string, err error) *CommandError {
	return &CommandError{
		Command: command,
		Err:     err,
	}
}

// Exit codes.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitValidation = 2
	ExitNotFound   = 3
	ExitIntegrity  = 4
	ExitUpstream   = 5
	ExitBlocked    = 10
)

// ExitCode maps err onto a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		blocked *BlockedError
		cfgErr  *ConfigError
	)
	if errors.As(err, &blocked) {
		return ExitBlocked
	}
	if errors.As(err, &cfgErr) {
		return ExitValidation
	}

	switch governance.Classify(err) {
	case governance.KindValidation:
		return ExitValidation
	case governance.KindNotFound:
		return ExitNotFound
	case governance.KindIntegrity, governance.KindRaceCondition:
		return ExitIntegrity
	case governance.KindUpstreamFetch:
		return ExitUpstream
	default:
		return ExitFailure
	}
}
