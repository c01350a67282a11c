// Package device provides the boundary to the forwarding engine: handles
// assigned by the device, per-command result codes, and the batched command
// queue through which all device writes flow.
package device

import "fmt"

// Handle is a device-assigned identifier for a provisioned object.
// The zero of the type is a usable handle; InvalidHandle marks "not yet
// provisioned".
type Handle uint32

// InvalidHandle is the unset sentinel, matching the all-ones index the
// engine uses for "no such object".
const InvalidHandle Handle = 0xffffffff

// Valid reports whether the handle refers to a provisioned object.
func (h Handle) Valid() bool {
	return h != InvalidHandle
}

func (h Handle) String() string {
	if !h.Valid() {
		return "hdl:INVALID"
	}
	return fmt.Sprintf("hdl:%d", uint32(h))
}

// Result is the outcome of the last command issued for a value.
type Result int

const (
	// ResultUnset means no command has been issued yet.
	ResultUnset Result = iota
	// ResultNoop means the command was accepted but changed nothing.
	ResultNoop
	// ResultOK means the command executed successfully.
	ResultOK
	// ResultError means the device rejected or failed the command.
	ResultError
	// ResultTimeout means the device did not answer in time.
	ResultTimeout
)

func (r Result) String() string {
	switch r {
	case ResultUnset:
		return "unset"
	case ResultNoop:
		return "noop"
	case ResultOK:
		return "ok"
	case ResultError:
		return "error"
	case ResultTimeout:
		return "timeout"
	}
	return "unknown"
}

// Item pairs a device-owned value with the result of the last command that
// tried to provision it. An Item is OK only after a successful command
// execution.
type Item[T any] struct {
	data T
	rc   Result
}

// NewItem creates an item with an explicit value and result.
func NewItem[T any](data T, rc Result) Item[T] {
	return Item[T]{data: data, rc: rc}
}

// Data returns the wrapped value.
func (i Item[T]) Data() T {
	return i.data
}

// RC returns the result of the last provisioning attempt.
func (i Item[T]) RC() Result {
	return i.rc
}

// OK reports whether the last provisioning attempt succeeded.
func (i Item[T]) OK() bool {
	return i.rc == ResultOK
}

// Set records a new value together with its command result.
func (i *Item[T]) Set(data T, rc Result) {
	i.data = data
	i.rc = rc
}

func (i Item[T]) String() string {
	return fmt.Sprintf("%v rc:%s", i.data, i.rc)
}
