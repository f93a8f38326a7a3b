// errors.go - Fehlercodes und Fehlertypen der Device-Schicht
//
// Dieses Modul enthaelt:
// - Code: Ergebniscode eines Treiberaufrufs (Nummern wie im Vendor-Treiber)
// - DriverError: Code plus Name der Operation
// - Sentinels fuer errors.Is (ErrNoDevice, ErrOutOfMemory, ...)
package gpu

import (
	"errors"
	"fmt"
)

// Code ist der Ergebniscode eines Treiberaufrufs
type Code int32

const (
	CodeSuccess              Code = 0
	CodeInvalidValue         Code = 1
	CodeOutOfMemory          Code = 2
	CodeNotInitialized       Code = 3
	CodeNotSupported         Code = 801
	CodeNoDevice             Code = 100
	CodeInvalidDevice        Code = 101
	CodeInvalidImage         Code = 200
	CodeInvalidContext       Code = 201
	CodeAlreadyMapped        Code = 208
	CodeNotMapped            Code = 211
	CodeInvalidSource        Code = 300
	CodeInvalidHandle        Code = 400
	CodeNotFound             Code = 500
	CodeNotReady             Code = 600
	CodeIllegalAddress       Code = 700
	CodeLaunchOutOfResources Code = 701
	CodeLaunchFailed         Code = 719
	CodeStreamCapture        Code = 900
	CodeUnknown              Code = 999
)

var codeNames = map[Code]string{
	CodeSuccess:              "success",
	CodeInvalidValue:         "invalid value",
	CodeOutOfMemory:          "out of memory",
	CodeNotInitialized:       "not initialized",
	CodeNotSupported:         "not supported",
	CodeNoDevice:             "no device",
	CodeInvalidDevice:        "invalid device",
	CodeInvalidImage:         "invalid image",
	CodeInvalidContext:       "invalid context",
	CodeAlreadyMapped:        "already mapped",
	CodeNotMapped:            "not mapped",
	CodeInvalidSource:        "invalid source",
	CodeInvalidHandle:        "invalid handle",
	CodeNotFound:             "not found",
	CodeNotReady:             "not ready",
	CodeIllegalAddress:       "illegal address",
	CodeLaunchOutOfResources: "launch out of resources",
	CodeLaunchFailed:         "launch failed",
	CodeStreamCapture:        "operation not permitted when stream is capturing",
	CodeUnknown:              "unknown error",
}

func (c Code) Error() string {
	if name, ok := codeNames[c]; ok {
		return fmt.Sprintf("%s (code %d)", name, int32(c))
	}
	return fmt.Sprintf("driver error (code %d)", int32(c))
}

// Sentinels; DriverError matcht ueber seinen Code
var (
	ErrNoDevice      error = CodeNoDevice
	ErrOutOfMemory   error = CodeOutOfMemory
	ErrInvalidValue  error = CodeInvalidValue
	ErrAlreadyMapped error = CodeAlreadyMapped
	ErrNotMapped     error = CodeNotMapped
	ErrNotSupported  error = CodeNotSupported

	ErrInvalidLaunchConfig = errors.New("invalid launch configuration")
	ErrCycle               = errors.New("dependency cycle")
	ErrForeignNode         = errors.New("node belongs to another graph")
	ErrGraphDestroyed      = errors.New("graph destroyed")
	ErrCapturing           = errors.New("stream is capturing")
	ErrContextMismatch     = errors.New("object belongs to another context")
)

// DriverError ist ein fehlgeschlagener Treiberaufruf
type DriverError struct {
	Op   string
	Code Code
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Code)
}

func (e *DriverError) Unwrap() error {
	return e.Code
}

// Is laesst ungueltige Launch-Parameter des Treibers als ErrInvalidLaunchConfig gelten
func (e *DriverError) Is(target error) bool {
	return target == ErrInvalidLaunchConfig && e.Op == "launch kernel" &&
		(e.Code == CodeInvalidValue || e.Code == CodeLaunchOutOfResources)
}

// wrap haengt den Operationsnamen an einen Treiberfehler
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	var de *DriverError
	if errors.As(err, &de) {
		return err
	}

	var code Code
	if errors.As(err, &code) {
		if code == CodeSuccess {
			return nil
		}
		return &DriverError{Op: op, Code: code}
	}
	return fmt.Errorf("%s: %w", op, err)
}
