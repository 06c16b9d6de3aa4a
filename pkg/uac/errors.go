// Package uac is the client facade: the user-facing SIP UAC surface
// built on the codec, transaction, dialog, auth, and transport layers.
package uac

// BadArgumentError reports a caller-visible contract violation.
type BadArgumentError struct {
	Field string
}

func (e *BadArgumentError) Error() string {
	return "uac: bad argument: " + e.Field
}

// ClosedError is returned by operations on a closed facade.
type ClosedError struct{}

func (e *ClosedError) Error() string { return "uac: client closed" }
