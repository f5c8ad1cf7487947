// Package protocol defines the messages exchanged between instances and the
// background agent, the shared storage layout, and the typed errors of the
// update subsystem.
package protocol

// MessageType identifies a message on the agent socket.
type MessageType string

// Instructions sent by an instance to the agent.
const (
	MsgRegister    MessageType = "REGISTER"     // first message on a connection
	MsgUpdate      MessageType = "UPDATE"       // look for a newly staged build
	MsgSkipWaiting MessageType = "SKIP_WAITING" // activate the waiting build now
	MsgWarmCache   MessageType = "WARM_CACHE"   // prefetch the listed assets
	MsgStatus      MessageType = "STATUS"       // reply with the current state
)

// Lifecycle events sent by the agent to instances.
const (
	MsgState             MessageType = "STATE"
	MsgInstalling        MessageType = "INSTALLING"
	MsgStaged            MessageType = "STAGED"
	MsgControllerChanged MessageType = "CONTROLLER_CHANGED"
)

// Message is a single line-delimited JSON message on the agent socket.
// Only the fields relevant to Type are set.
type Message struct {
	Type     MessageType        `json:"type"`
	Instance string             `json:"instance,omitempty"`
	Build    string             `json:"build,omitempty"`
	Assets   []string           `json:"assets,omitempty"`
	State    *RegistrationState `json:"state,omitempty"`
}

// RegistrationState is the agent's view of its builds. Each field names a
// build id; empty means no build in that slot.
type RegistrationState struct {
	Installing string `json:"installing,omitempty"`
	Waiting    string `json:"waiting,omitempty"`
	Active     string `json:"active,omitempty"`
	Executable string `json:"executable,omitempty"` // executable of the active build
}

// IsEvent reports whether t is sent by the agent rather than by an instance.
func (t MessageType) IsEvent() bool {
	switch t {
	case MsgState, MsgInstalling, MsgStaged, MsgControllerChanged:
		return true
	default:
		return false
	}
}
