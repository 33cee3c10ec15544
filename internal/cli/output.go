package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/keel/internal/errclass"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Verification, validation or corruption failure (drift, hash mismatch, failed scenarios)
	ExitCommandError = 2 // Command error (bad flags, missing files, I/O failure, unknown revision)
)

// codeCommand labels errors that carry no class, such as flag parsing errors.
const codeCommand = "E_COMMAND"

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)

	// Reported marks errors whose command already wrote its result, so
	// Execute does not print them a second time.
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

// reportedError wraps err as already written to the output.
func reportedError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err, Reported: true}
}

// GetExitCode extracts the exit code from an error.
//
// An ExitError carries its own code. Otherwise the outermost error class
// decides: E_VALIDATION and E_CORRUPTION exit 1, everything else exits 2.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch errclass.Code(err) {
	case errclass.ErrValidation.Code, errclass.ErrCorruption.Code:
		return ExitFailure
	}
	return ExitCommandError
}

// OutputFormatter renders command results as text, JSON or YAML.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Diagnostics and text-mode errors (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the envelope for JSON and YAML output.
type CLIResponse struct {
	Status string    `json:"status" yaml:"status"`                   // "ok" or "error"
	Data   any       `json:"data,omitempty" yaml:"data,omitempty"`   // success payload
	Error  *CLIError `json:"error,omitempty" yaml:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string            `json:"code" yaml:"code"`                           // "E_VALIDATION", "E_IO", ...
	Message string            `json:"message" yaml:"message"`                     // human-readable message
	Details map[string]string `json:"details,omitempty" yaml:"details,omitempty"` // offending ids, paths, hashes
}

// Success writes data. In text mode, text renders it; a nil text prints
// data with its default formatting.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	return f.Result(CLIResponse{Status: "ok", Data: data}, text)
}

// Result writes a full response. Commands that return data alongside a
// failure, such as validate reporting drift, use it directly.
func (f *OutputFormatter) Result(resp CLIResponse, text func(w io.Writer)) error {
	switch f.Format {
	case "json":
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	case "yaml":
		enc := yaml.NewEncoder(f.Writer)
		enc.SetIndent(2)
		if err := enc.Encode(resp); err != nil {
			return err
		}
		return enc.Close()
	}

	if text != nil {
		text(f.Writer)
	} else if resp.Data != nil {
		fmt.Fprintln(f.Writer, resp.Data)
	}
	if resp.Error != nil {
		f.writeTextError(resp.Error)
	}
	return nil
}

// Error writes err in the configured format.
func (f *OutputFormatter) Error(err error) error {
	cliErr := describeError(err)
	if f.Format == "json" || f.Format == "yaml" {
		return f.Result(CLIResponse{Status: "error", Error: cliErr}, nil)
	}
	f.writeTextError(cliErr)
	return nil
}

func (f *OutputFormatter) writeTextError(e *CLIError) {
	w := f.GetErrWriter()
	fmt.Fprintf(w, "Error [%s]: %s\n", e.Code, e.Message)
	if f.Verbose && len(e.Details) > 0 {
		fmt.Fprintf(w, "Details: %v\n", e.Details)
	}
}

// describeError maps err to its class code, message and details.
func describeError(err error) *CLIError {
	code := errclass.Code(err)
	if code == "" {
		code = codeCommand
	}
	return &CLIError{
		Code:    code,
		Message: strings.TrimPrefix(err.Error(), code+": "),
		Details: errclass.DetailsOf(err),
	}
}

// VerboseLog outputs a message only if verbose mode is enabled.
// It always goes to ErrWriter when set so structured output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
