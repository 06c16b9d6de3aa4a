package dialog

import "fmt"

// NoDialogError reports an in-dialog request addressed to a dialog the
// table does not hold.
type NoDialogError struct {
	CallID string
}

func (e *NoDialogError) Error() string {
	return fmt.Sprintf("dialog: no dialog for call %s", e.CallID)
}

// TerminatedError reports an operation on a dialog that already ended.
type TerminatedError struct {
	ID string
}

func (e *TerminatedError) Error() string {
	return fmt.Sprintf("dialog %s terminated", e.ID)
}
