package ws

import "time"

type ConnInfo struct {
	ConnID      string    `json:"conn_id"`
	UserID      string    `json:"user_id"`
	Topics      []string  `json:"topics"`
	DeviceID    string    `json:"device_id,omitempty"`
	IP          string    `json:"ip"`
	RequestID   string    `json:"request_id,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}
