package mirrord

import (
	"fmt"
	"log/slog"
)

// Peer identifies a remote cluster that images are mirrored from.
type Peer struct {
	// ConnectionName is the client identity used to authenticate to the peer.
	ConnectionName string
	// ClusterName selects the peer's configuration.
	ClusterName string
	// ClusterUUID is the fsid the peer must report once connected.
	ClusterUUID string
}

func (p Peer) String() string {
	return fmt.Sprintf("uuid: %s cluster: %s client: %s", p.ClusterUUID, p.ClusterName, p.ConnectionName)
}

// LogValue renders the peer as a log group.
func (p Peer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("uuid", p.ClusterUUID),
		slog.String("cluster", p.ClusterName),
		slog.String("client", p.ConnectionName),
	)
}
