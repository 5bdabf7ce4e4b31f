package supervisor

import "errors"

var (
	// ErrAlreadyRunning is returned by Start when a live process exists for the id.
	ErrAlreadyRunning = errors.New("service already running")
	// ErrNotRunning is returned by Stop when no live process exists for the id.
	ErrNotRunning = errors.New("service not running")
	// ErrSpawnFailed wraps the OS error when the launch command could not be spawned.
	ErrSpawnFailed = errors.New("spawn failed")
)
