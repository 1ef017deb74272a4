package replayer

import (
	"context"

	"mirrord"
)

type stepRunner func(ctx context.Context, step string, fn func(context.Context) error) error

// Dial opens a session to peer and checks its cluster identity, the same way
// Init does, without scanning pools or starting workers. Step failures are
// ConfigurationErrors and a wrong identity is an IdentityMismatchError. On
// error the session is already shut down; on success the caller owns it.
func Dial(ctx context.Context, connector Connector, peer mirrord.Peer, configPath string) (RemoteSession, error) {
	remote, err := dial(ctx, connector, peer, configPath, func(ctx context.Context, step string, fn func(context.Context) error) error {
		if err := fn(ctx); err != nil {
			return &ConfigurationError{Peer: peer, Step: step, Err: err}
		}
		return nil
	})
	if err != nil {
		if remote != nil {
			_ = remote.Shutdown()
		}
		return nil, err
	}
	return remote, nil
}

// dial runs the open, read_config, connect and fsid steps through run. The
// session is returned even on error so the caller can shut it down.
func dial(ctx context.Context, connector Connector, peer mirrord.Peer, configPath string, run stepRunner) (RemoteSession, error) {
	var remote RemoteSession
	if err := run(ctx, StepOpen, func(context.Context) error {
		s, err := connector.Open(peer.ConnectionName, peer.ClusterName)
		remote = s
		return err
	}); err != nil {
		return remote, err
	}
	if err := run(ctx, StepReadConfig, func(context.Context) error {
		return remote.ReadConfig(configPath)
	}); err != nil {
		return remote, err
	}
	if err := run(ctx, StepConnect, remote.Connect); err != nil {
		return remote, err
	}

	var fsid string
	if err := run(ctx, StepFSID, func(ctx context.Context) error {
		var err error
		fsid, err = remote.FSID(ctx)
		return err
	}); err != nil {
		return remote, err
	}
	if fsid != peer.ClusterUUID {
		return remote, &IdentityMismatchError{Peer: peer, Expected: peer.ClusterUUID, Observed: fsid}
	}
	return remote, nil
}
