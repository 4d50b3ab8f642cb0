package models

type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
	ConnectionConnecting   ConnectionStatus = "CONNECTING"
	ConnectionConnected    ConnectionStatus = "CONNECTED"
	ConnectionReconnecting ConnectionStatus = "RECONNECTING"
)

// ConnectionState is the push connection bookkeeping held by the store.
type ConnectionState struct {
	Status            ConnectionStatus `json:"status"`
	ReconnectAttempts int              `json:"reconnectAttempts"`
	LastError         error            `json:"-"`
}
