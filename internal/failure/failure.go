// Package failure classifies the errors the installer and the launcher surface to the
// user. Every fatal error carries a Kind, so the command layer can decide on the exit
// code and the message without inspecting error strings.
package failure

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Kind identifies a class of failure.
type Kind int

const (
	// Internal is used for errors that were not classified by the component raising them.
	Internal Kind = iota
	ConfigInvalid
	PermissionDenied
	Cancelled
	TrustError
	DownloadFailed
	ExtractFailed
	ExtractSkippedEntry
	RegistrarFailure
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "ConfigInvalid"
	case PermissionDenied:
		return "PermissionDenied"
	case Cancelled:
		return "Cancelled"
	case TrustError:
		return "TrustError"
	case DownloadFailed:
		return "DownloadFailed"
	case ExtractFailed:
		return "ExtractFailed"
	case ExtractSkippedEntry:
		return "ExtractSkippedEntry"
	case RegistrarFailure:
		return "RegistrarFailure"
	default:
		return "Internal"
	}
}

// Fatal reports whether a failure of this kind aborts the current attempt.
func (k Kind) Fatal() bool {
	return k != ExtractSkippedEntry
}

// Error is a classified error. Detail is the human-readable text shown to the user,
// Err the underlying cause.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	switch {
	case e.Detail != "" && e.Err != nil:
		sb.WriteString(e.Detail)
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	case e.Detail != "":
		sb.WriteString(e.Detail)
	case e.Err != nil:
		sb.WriteString(e.Err.Error())
	default:
		sb.WriteString(e.Kind.String())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error without an underlying cause.
func New(kind Kind, op, detail string) error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies err and attaches a formatted detail message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain of err,
// or Internal if err is not classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err has been classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func formatError(es []error) string {
	if len(es) == 1 {
		return fmt.Sprintf("1 error occurred:\n\t* %s", es[0])
	}

	points := make([]string, len(es))
	for i, err := range es {
		points[i] = fmt.Sprintf("* %s", err)
	}

	return fmt.Sprintf(
		"%d errors occurred:\n\t%s",
		len(es), strings.Join(points, "\n\t"))
}

// FormatErrorOrNil returns err with a compact list format, or nil if it holds no errors.
func FormatErrorOrNil(err *multierror.Error) error {
	if err != nil {
		err.ErrorFormat = formatError
	}
	return err.ErrorOrNil()
}
