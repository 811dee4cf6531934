package domain

// ConnectionStatus is the state of one connection: the relay connection or
// the local emulator source.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusFailed       ConnectionStatus = "failed"
)

// String returns the string representation of ConnectionStatus.
func (s ConnectionStatus) String() string {
	if s == "" {
		return string(StatusDisconnected)
	}
	return string(s)
}

// IsActive reports whether a connection is established or being established.
func (s ConnectionStatus) IsActive() bool {
	return s == StatusConnecting || s == StatusConnected || s == StatusReconnecting
}
