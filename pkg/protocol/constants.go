package protocol

// Directory and path constants used throughout hotswap.
const (
	// HomeDir is the user-level state directory (e.g., ~/.hotswap). Every
	// instance sharing a HomeDir belongs to the same origin.
	HomeDir = ".hotswap"

	// SocketName is the agent's Unix socket inside HomeDir.
	SocketName = "agent.sock"

	// PIDName is the agent's PID file inside HomeDir.
	PIDName = "agent.pid"

	// StateDBName is the origin-scoped key-value database inside HomeDir.
	StateDBName = "state.db"

	// ConfigName is the optional TOML config file inside HomeDir.
	ConfigName = "config.toml"

	// LogsDir holds per-process log files.
	LogsDir = "logs"

	// ReleasesDir holds one directory per staged build.
	ReleasesDir = "releases"

	// StagedPointer is the file inside ReleasesDir naming the most recently
	// staged build.
	StagedPointer = "STAGED"

	// ManifestName is the release manifest inside each release directory.
	ManifestName = "release.yaml"

	// ChannelsDir holds one directory per cross-instance bus channel.
	ChannelsDir = "channels"
)

// Wire-level names shared by every instance of the same origin.
const (
	// UpdateChannel is the bus channel used for update coordination.
	UpdateChannel = "sw-updates"

	// DeferralKeyPrefix prefixes the per-build deferral key in the KV store.
	DeferralKeyPrefix = "update-deferred:"

	// AgentActiveKey stores the agent's active build across restarts.
	AgentActiveKey = "agent:active"
)

// MaxMessageBytes bounds a single line-delimited JSON message on the agent socket.
const MaxMessageBytes = 1 << 20

// DeferralKey returns the KV key holding the deferral record for build.
func DeferralKey(build string) string {
	return DeferralKeyPrefix + build
}
