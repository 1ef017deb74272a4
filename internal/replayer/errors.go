package replayer

import (
	"errors"
	"fmt"

	"mirrord"
)

var (
	// ErrNotInitialized is returned by Start before a successful Init.
	ErrNotInitialized = errors.New("replayer is not initialized")
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("replayer is already initialized")
	// ErrStopped is returned by Init and Start after Stop.
	ErrStopped = errors.New("replayer is stopped")
)

// Init stages reported by ConfigurationError.
const (
	StepOpen       = "open"
	StepReadConfig = "read_config"
	StepConnect    = "connect"
	StepFSID       = "fsid"
	StepRefresh    = "refresh"
)

// ConfigurationError reports a failure to reach or configure the peer.
type ConfigurationError struct {
	Peer mirrord.Peer
	Step string
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s for peer %s: %v", stepMessage(e.Step), e.Peer, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func stepMessage(step string) string {
	switch step {
	case StepOpen:
		return "initialize remote cluster handle"
	case StepReadConfig:
		return "read remote cluster config"
	case StepConnect:
		return "connect to remote cluster"
	case StepFSID:
		return "read remote cluster uuid"
	case StepRefresh:
		return "refresh remote images"
	default:
		return step
	}
}

// IdentityMismatchError reports that the peer answered with a different
// cluster identity than configured.
type IdentityMismatchError struct {
	Peer     mirrord.Peer
	Expected string
	Observed string
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("configured cluster uuid does not match actual cluster uuid for peer %s: expected %s, observed %s",
		e.Peer.ClusterName, e.Expected, e.Observed)
}
