package schemas

import "time"

// SessionPhase is the connection phase of the reasoning-service session.
type SessionPhase string

const (
	SessionDisconnected SessionPhase = "disconnected"
	SessionConnecting   SessionPhase = "connecting"
	SessionHandshaking  SessionPhase = "handshaking"
	SessionReady        SessionPhase = "ready"
	SessionClosing      SessionPhase = "closing"
)

// SessionState is owned by the session manager; callers receive copies.
type SessionState struct {
	Phase            SessionPhase `json:"phase"`
	ReconnectAttempt int          `json:"reconnect_attempt"`
	LastActivity     time.Time    `json:"last_activity"`
}
