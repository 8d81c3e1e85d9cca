package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"cartsync/internal/model"
)

// Exit codes for cartctl.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the cart operation was rejected or failed
	ExitCommandError = 2 // local setup failed (config, state file)
)

// ExitError carries an exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
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

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// textWriter is implemented by results with a human-readable form.
type textWriter interface {
	WriteText(w io.Writer) error
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope for every command.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error half of CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success writes data in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	if tw, ok := data.(textWriter); ok {
		return tw.WriteText(f.Writer)
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error writes err in the configured format. APIError codes are kept.
func (f *OutputFormatter) Error(err error) error {
	code, message := ErrorCode(err), err.Error()
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		message = apiErr.Message
	}

	if f.Format == "json" {
		return f.encode(CLIResponse{Status: "error", Error: &CLIError{Code: code, Message: message}})
	}
	_, werr := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose {
		fmt.Fprintf(f.errWriter(), "Details: %v\n", err)
	}
	return werr
}

// VerboseLog writes to ErrWriter when --verbose is set.
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

func (f *OutputFormatter) encode(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ErrorCode maps err to a stable code for output.
func ErrorCode(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code == ExitCommandError {
		return "COMMAND_ERROR"
	}
	return "INTERNAL_ERROR"
}
