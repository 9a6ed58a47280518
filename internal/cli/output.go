package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (not found, backend down, unhealthy status)
	ExitCommandError = 2 // Command error (bad flags, invalid input, unreadable config)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)

	// Reported is set once the error was written by an OutputFormatter.
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// IsReported reports whether err was already shown to the user.
func IsReported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Reported
}

// Error codes reported in JSON output.
const (
	CodeNotFound   = "not_found"
	CodeValidation = "validation"
	CodeConnection = "connection"
	CodeTimeout    = "timeout"
	CodeAuth       = "authentication"
	CodeDatabase   = "database"
	CodeCommand    = "command"
)

// ErrorCode names the failure class of err for machine-readable output.
func ErrorCode(err error) string {
	if errors.Is(err, dberr.ErrNotFound) {
		return CodeNotFound
	}
	kind, ok := dberr.KindOf(err)
	if !ok {
		return CodeCommand
	}
	switch kind {
	case dberr.KindValidation:
		return CodeValidation
	case dberr.KindConnection:
		return CodeConnection
	case dberr.KindTimeout:
		return CodeTimeout
	case dberr.KindAuthentication:
		return CodeAuth
	default:
		return CodeDatabase
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Adapter string `json:"adapter,omitempty"`
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Failure reports err in the configured format. In JSON mode the error is
// written to Writer as a response object so scripts can parse it.
func (f *OutputFormatter) Failure(err error) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    ErrorCode(err),
				Message: err.Error(),
				Adapter: dberr.AdapterOf(err),
			},
		})
	}

	fmt.Fprintf(f.errWriter(), "Error [%s]: %v\n", ErrorCode(err), err)
	return nil
}

// Fail reports err through f and returns it as an exit error that Execute
// will not print again.
func (f *OutputFormatter) Fail(message string, err error) error {
	exitErr := operationError(message, err)
	if writeErr := f.Failure(exitErr); writeErr != nil {
		return writeErr
	}
	exitErr.Reported = true
	return exitErr
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.errWriter(), format+"\n", args...)
}

func (f *OutputFormatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
