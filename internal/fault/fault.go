// Package fault classifies the coded errors raised by the deterministic core.
//
// Domain packages register their errors through Register, which wraps
// cosmossdk.io/errors so every error carries a codespace and a numeric code
// that survive wrapping. Each registered error also belongs to one Class,
// which callers use to decide whether a rejection is a caller mistake
// (Structural), a business rule (Policy), a freshness problem the caller can
// fix by refreshing (Staleness) or an arithmetic failure (Numeric).
package fault

import (
	"errors"
	"fmt"
	"sync"

	errorsmod "cosmossdk.io/errors"
)

// Class groups errors by how a caller should react to them.
type Class uint8

const (
	ClassUnknown Class = iota
	ClassStructural
	ClassPolicy
	ClassStaleness
	ClassNumeric
)

func (c Class) String() string {
	switch c {
	case ClassStructural:
		return "structural"
	case ClassPolicy:
		return "policy"
	case ClassStaleness:
		return "staleness"
	case ClassNumeric:
		return "numeric"
	default:
		return "unknown"
	}
}

type key struct {
	codespace string
	code      uint32
}

var (
	mu      sync.RWMutex
	classes = make(map[key]Class)
)

// Register creates a coded error in codespace and records its class.
// It panics on duplicate (codespace, code) pairs, like errorsmod.Register.
func Register(class Class, codespace string, code uint32, description string) *errorsmod.Error {
	err := errorsmod.Register(codespace, code, description)

	mu.Lock()
	classes[key{codespace, code}] = class
	mu.Unlock()

	return err
}

// ClassOf returns the class of the first registered error in err's chain.
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var coded *errorsmod.Error
	if !errors.As(err, &coded) {
		return ClassUnknown
	}
	mu.RLock()
	defer mu.RUnlock()
	return classes[key{coded.Codespace(), coded.ABCICode()}]
}

// Code returns the codespace and numeric code of err, or ok=false when err
// carries no registered error.
func Code(err error) (codespace string, code uint32, ok bool) {
	var coded *errorsmod.Error
	if !errors.As(err, &coded) {
		return "", 0, false
	}
	return coded.Codespace(), coded.ABCICode(), true
}

// Describe renders err as "codespace/code: message" for logs and API responses.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if space, code, ok := Code(err); ok {
		return fmt.Sprintf("%s/%d: %s", space, code, err.Error())
	}
	return err.Error()
}

// Wrap and Wrapf re-export the errorsmod helpers so domain packages depend
// on one error package.
func Wrap(err error, description string) error {
	return errorsmod.Wrap(err, description)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return errorsmod.Wrapf(err, format, args...)
}

// Shared numeric errors used across math, order book and margin code.
var (
	ErrOverflow       = Register(ClassNumeric, "numeric", 1, "arithmetic overflow")
	ErrDivideByZero   = Register(ClassNumeric, "numeric", 2, "division by zero")
	ErrNegativeResult = Register(ClassNumeric, "numeric", 3, "negative result for unsigned quantity")
)
