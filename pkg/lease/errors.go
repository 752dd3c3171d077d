package lease

import (
	"errors"
	"fmt"

	"github.com/conductorone/p2pvps-lease/pkg/device"
)

// Kind classifies a failed operation for callers that need to map it onto a response.
type Kind int

const (
	KindNone Kind = iota
	// KindNotFound means the device or its linked private record does not exist, or the id is malformed.
	KindNotFound
	// KindDependency means a collaborator (store, allocator, publisher) failed. Detail is for logs only.
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindDependency:
		return "dependency"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is returned by every Manager operation that fails.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("lease: %s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the kind of err. Errors that did not come from a Manager are classified the same way
// the Manager would classify them.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	if errors.Is(err, device.ErrDeviceNotFound) || errors.Is(err, device.ErrPrivateDataNotFound) {
		return KindNotFound
	}
	return KindDependency
}

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	return &Error{Op: op, Kind: classify(err), Err: err}
}
