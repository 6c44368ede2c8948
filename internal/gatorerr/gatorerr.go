// Package gatorerr is the typed error taxonomy from §7 of the
// specification: spec errors, RPC errors, child-state errors, process
// errors, limit-exceeded errors, and infrastructure errors are each
// wrapped so callers can classify failures with errors.As instead of
// string-matching.
package gatorerr

import "fmt"

// Category names one of the six buckets of §7's taxonomy.
type Category string

const (
	CategorySpec       Category = "spec"
	CategoryRPC        Category = "rpc"
	CategoryChildState Category = "child_state"
	CategoryProcess    Category = "process"
	CategoryLimit      Category = "limit"
	CategoryInfra      Category = "infra"
)

// Error wraps an underlying cause with the taxonomy category that governs
// its propagation policy.
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(cat Category, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Category: cat, Op: op, Err: err}
}

// Spec wraps a malformed-specification error (wrong types, negative
// counts, duplicate sibling ids, unknown dependency name, self-dependency).
func Spec(op string, err error) *Error { return wrap(CategorySpec, op, err) }

// RPC wraps a decode failure, unknown action, or handler exception. RPC
// errors are local only per §7's propagation policy; they never climb the
// tree or kill the link.
func RPC(op string, err error) *Error { return wrap(CategoryRPC, op, err) }

// ChildState wraps a duplicate register, update-after-complete, or
// unknown-id operation against a Tier's child maps.
func ChildState(op string, err error) *Error { return wrap(CategoryChildState, op, err) }

// Process wraps a non-zero exit code or signalled termination.
func Process(op string, err error) *Error { return wrap(CategoryProcess, op, err) }

// Limit wraps a message-limit violation (too many WARNING/ERROR/CRITICAL
// entries).
func Limit(op string, err error) *Error { return wrap(CategoryLimit, op, err) }

// Infra wraps a store or scheduler failure that is fatal to the owning
// layer.
func Infra(op string, err error) *Error { return wrap(CategoryInfra, op, err) }

// Is reports whether err (or anything it wraps) belongs to category.
func Is(err error, category Category) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Category == category {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
