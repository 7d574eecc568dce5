package xerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the broad class of a pricing failure.
type Kind uint

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindCommunication
	KindNumerical
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "Configuration"
	case KindCommunication:
		return "Communication"
	case KindNumerical:
		return "NumericalDegenerate"
	default:
		return "Unknown"
	}
}

// NoRank marks errors that are not tied to a cluster participant.
const NoRank = -1

// Error carries the kind of failure plus enough context to name the
// offending field or rank in a diagnostic.
type Error struct {
	Kind    Kind
	Op      string
	Field   string
	Rank    int
	Message string
	Cause   error
}

var (
	ErrConfiguration = &Error{Kind: KindConfiguration, Rank: NoRank}
	ErrCommunication = &Error{Kind: KindCommunication, Rank: NoRank}
	ErrNumerical     = &Error{Kind: KindNumerical, Rank: NoRank}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.Kind.String())
	b.WriteString("]")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field=%q", e.Field)
	}
	if e.Rank != NoRank {
		fmt.Fprintf(&b, " rank=%d", e.Rank)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, " (cause: %v)", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so callers can test against the
// package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Configuration reports a malformed or missing parameter.
func Configuration(op, field, format string, args ...any) *Error {
	return &Error{
		Kind:    KindConfiguration,
		Op:      op,
		Field:   field,
		Rank:    NoRank,
		Message: fmt.Sprintf(format, args...),
	}
}

// Communication reports a failed, timed out or malformed exchange with rank.
func Communication(op string, rank int, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    KindCommunication,
		Op:      op,
		Rank:    rank,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Numerical reports an input contract violation such as a zero time step.
func Numerical(op, format string, args ...any) *Error {
	return &Error{
		Kind:    KindNumerical,
		Op:      op,
		Rank:    NoRank,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap attaches cause to a new error of the given kind. Errors that are
// already typed keep their kind.
func Wrap(err error, kind Kind, op, msg string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Op: op, Field: e.Field, Rank: e.Rank, Message: msg, Cause: err}
	}
	return &Error{Kind: kind, Op: op, Rank: NoRank, Message: msg, Cause: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RankOf returns the rank recorded on the first *Error in err's chain that
// names one.
func RankOf(err error) int {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return NoRank
		}
		if e.Rank != NoRank {
			return e.Rank
		}
		err = e.Cause
	}
	return NoRank
}
