package host

import "errors"

var (
	ErrUnknownInstance = errors.New("unknown instance")
	ErrUnknownType     = errors.New("unknown source type")
	ErrDuplicateName   = errors.New("source name already in use")
	ErrNotInitialized  = errors.New("instance not initialized")
	ErrReleased        = errors.New("instance released")
	ErrPluginPanic     = errors.New("plugin panicked")
)
