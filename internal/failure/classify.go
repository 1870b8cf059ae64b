package failure

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Class is the retry classification of a failure.
type Class string

const (
	// Transient failures are retried on a later cycle.
	Transient Class = "transient"
	// Permanent failures are dead-lettered without retry.
	Permanent Class = "permanent"
)

var transientErrnos = map[syscall.Errno]struct{}{
	// socket level
	syscall.ECONNREFUSED: {},
	syscall.ECONNRESET:   {},
	syscall.ECONNABORTED: {},
	syscall.EPIPE:        {},
	syscall.ETIMEDOUT:    {},
	// link level
	syscall.ENETUNREACH:  {},
	syscall.ENETDOWN:     {},
	syscall.ENETRESET:    {},
	syscall.EHOSTUNREACH: {},
	syscall.EHOSTDOWN:    {},
}

// Classify walks the whole cause chain of err. Any business rejection makes
// the failure permanent; otherwise any communication-level cause makes it
// transient. Everything else is permanent.
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}
	transient := false
	rejected := false
	walk(err, func(cause error) {
		if _, ok := cause.(*RejectionError); ok {
			rejected = true
		}
		if isCommunicationCause(cause) {
			transient = true
		}
	})
	if rejected {
		return Permanent
	}
	if transient {
		return Transient
	}
	return Permanent
}

// IsTransient is shorthand for Classify(err) == Transient.
func IsTransient(err error) bool {
	return Classify(err) == Transient
}

// IsCancellation reports whether err stems from the caller cancelling the
// cycle rather than from the upstream.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

func isCommunicationCause(cause error) bool {
	switch c := cause.(type) {
	case *net.OpError:
		return true
	case *net.DNSError:
		return true
	case *TransportError:
		return true
	case syscall.Errno:
		_, ok := transientErrnos[c]
		return ok
	}
	if cause == context.DeadlineExceeded || cause == io.ErrUnexpectedEOF {
		return true
	}
	if ne, ok := cause.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}

// walk visits err and every error reachable through Unwrap, including joined errors.
func walk(err error, visit func(error)) {
	seen := 0
	var rec func(error)
	rec = func(e error) {
		// guard against pathological cycles in custom Unwrap implementations
		if e == nil || seen > 64 {
			return
		}
		seen++
		visit(e)
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				rec(inner)
			}
		case interface{ Unwrap() error }:
			rec(u.Unwrap())
		}
	}
	rec(err)
}
