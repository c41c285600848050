// Package errors wraps the standard library errors with call-site
// prefixes so that log lines and user-visible failures point back at the
// code that produced them.
package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// New creates a new error with file and line number information.
func New(format string, a ...any) error {
	return fmt.Errorf("%s %s", caller(2), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %w", caller(2), fmt.Sprintf(format, a...), err)
}

// Sentinel creates a comparable error without a call-site prefix, for use
// as a package-level value checked with Is.
func Sentinel(msg string) error {
	return stderrors.New(msg)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Join returns an error that wraps the given errors, discarding nils.
func Join(errs ...error) error { return stderrors.Join(errs...) }

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "[???:0]"
	}
	return fmt.Sprintf("[%s:%d]", filepath.Base(file), line)
}
