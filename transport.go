package pusudb

type TransportType string

const (
	TransportWebSocket TransportType = "websocket"
	TransportSSE       TransportType = "sse"
)

// Transport is one live client connection able to receive notifications.
type Transport interface {
	Token() Token
	SendJSON(v interface{}) error
	GetAssign(key string) interface{}
	SetAssign(key string, value interface{})
	CloneAssigns() map[string]interface{}
	IsActive() bool
	Close()
	OnClose(callback func(Transport) error)
	Type() TransportType
}
