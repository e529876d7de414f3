package protocol

import "fmt"

// CommandType is derived purely from old/new object ids; it is never set
// directly by a caller.
type CommandType int

const (
	// CommandUpdate is a fast-forward update: neither id is zero and new
	// descends from old (the Receive Engine, not this type, verifies
	// descent — Type only distinguishes create/delete from update).
	CommandUpdate CommandType = iota
	// CommandCreate: old id is the zero object id.
	CommandCreate
	// CommandDelete: new id is the zero object id.
	CommandDelete
	// CommandUpdateNonFastForward: set by the Receive Engine once it has
	// determined the update is not a fast-forward; NewReceiveCommand never
	// produces this directly since it requires repository knowledge.
	CommandUpdateNonFastForward
)

func (t CommandType) String() string {
	switch t {
	case CommandCreate:
		return "create"
	case CommandDelete:
		return "delete"
	case CommandUpdateNonFastForward:
		return "update-non-fast-forward"
	default:
		return "update"
	}
}

// Result is the terminal state of a ReceiveCommand. Once a command leaves
// NotAttempted, the new result is final for the remainder of the session
// (P2 in the spec's testable properties).
type Result int

const (
	NotAttempted Result = iota
	OK
	RejectedNoCreate
	RejectedNoDelete
	RejectedNonFastForward
	RejectedCurrentBranch
	RejectedMissingObject
	RejectedOtherReason
	LockFailure
	RejectedRemoteChanged
	NonExisting
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case RejectedNoCreate:
		return "rejected: ref creation disabled"
	case RejectedNoDelete:
		return "rejected: ref deletion disabled"
	case RejectedNonFastForward:
		return "non-fast-forward"
	case RejectedCurrentBranch:
		return "rejected: current branch"
	case RejectedMissingObject:
		return "missing object(s)"
	case RejectedOtherReason:
		return "rejected"
	case LockFailure:
		return "lock failure"
	case RejectedRemoteChanged:
		return "remote ref updated since checkout"
	case NonExisting:
		return "remote ref does not exist"
	default:
		return "not attempted"
	}
}

// ReceiveCommand is one line of a push request: an old id, a new id, a ref
// name, and the outcome the Receive Engine assigns it. Construct with
// NewReceiveCommand so Type is always derived consistently from the ids.
type ReceiveCommand struct {
	OldId ObjectId
	NewId ObjectId
	Name  string

	Type    CommandType
	Result  Result
	Message string
}

// NewReceiveCommand derives Type from the ids (create/delete/update) and
// starts the command in NotAttempted.
func NewReceiveCommand(oldId, newId ObjectId, name string) *ReceiveCommand {
	c := &ReceiveCommand{
		OldId:  oldId,
		NewId:  newId,
		Name:   name,
		Result: NotAttempted,
	}
	switch {
	case oldId.IsZero():
		c.Type = CommandCreate
	case newId.IsZero():
		c.Type = CommandDelete
	default:
		c.Type = CommandUpdate
	}
	return c
}

// SetResult transitions the command to a terminal result. It panics if the
// command has already left NotAttempted, enforcing the "terminal for this
// request" invariant (P2) at the type level rather than relying on callers
// to check first.
func (c *ReceiveCommand) SetResult(result Result, message string) {
	if c.Result != NotAttempted {
		panic(fmt.Sprintf("receive command %s: result already set to %v, cannot set to %v", c.Name, c.Result, result))
	}
	c.Result = result
	c.Message = message
}

// MarkNonFastForward reclassifies an UPDATE command as non-fast-forward.
// Only valid while the command is still of type CommandUpdate and has not
// been attempted.
func (c *ReceiveCommand) MarkNonFastForward() {
	if c.Type == CommandUpdate {
		c.Type = CommandUpdateNonFastForward
	}
}

// Attempted reports whether this command has reached a terminal result.
func (c *ReceiveCommand) Attempted() bool {
	return c.Result != NotAttempted
}

// StatusLine formats the command as a report-status "ok <ref>" / "ng <ref>
// <reason>" line, without the pkt-line framing.
func (c *ReceiveCommand) StatusLine() string {
	if c.Result == OK {
		return fmt.Sprintf("ok %s", c.Name)
	}
	reason := c.Message
	if reason == "" {
		reason = c.Result.String()
	}
	return fmt.Sprintf("ng %s %s", c.Name, reason)
}
