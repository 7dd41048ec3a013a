package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage is sent when a build enters a new stage
type WSProgressMessage struct {
	Type     string      `json:"type"`
	BuildID  string      `json:"buildId"`
	Progress int         `json:"progress"`
	Status   BuildStatus `json:"status"`
	Stage    string      `json:"stage,omitempty"`
}

// WSCompleteMessage represents build completion
type WSCompleteMessage struct {
	Type        string `json:"type"`
	BuildID     string `json:"buildId"`
	DownloadURL string `json:"downloadUrl"`
}

// WSErrorMessage represents a failed build
type WSErrorMessage struct {
	Type    string  `json:"type"`
	BuildID string  `json:"buildId"`
	Error   WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
