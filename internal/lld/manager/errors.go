package manager

import "errors"

// Errors returned by Manager.Handle and Manager.Run. All of them are
// protocol violations after which the manager state can no longer be
// trusted; the caller is expected to terminate the process.
var (
	ErrTooManyWorkers  = errors.New("more LLD workers registered than configured")
	ErrDuplicateWorker = errors.New("LLD worker registered twice")
	ErrUnknownClient   = errors.New("message from unregistered LLD worker")
	ErrUnexpectedDone  = errors.New("done message from idle LLD worker")
	ErrUnknownMessage  = errors.New("unknown LLD service message")
)

// IsFatal reports whether err is one of the manager protocol violations.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTooManyWorkers) ||
		errors.Is(err, ErrDuplicateWorker) ||
		errors.Is(err, ErrUnknownClient) ||
		errors.Is(err, ErrUnexpectedDone) ||
		errors.Is(err, ErrUnknownMessage)
}
