package jsonapi

import (
	"github.com/vyrodovalexey/loggate/internal/logging"
)

// Commands understood by a connection.
const (
	CommandServerInfo = "serverinfo"
	CommandLogging    = "logging"
)

// Subcommands of CommandLogging.
const (
	SubcommandStart = "start"
	SubcommandStop  = "stop"
	SubcommandLevel = "level"
)

// Message types written to the peer.
const (
	TypeResponse = "response"
	TypeRecord   = "log"
	TypeState    = "loggingState"
)

// Request is one line sent by the peer.
type Request struct {
	Command    string `json:"command"`
	Subcommand string `json:"subcommand,omitempty"`
	TAN        int    `json:"tan"`
	Level      string `json:"level,omitempty"`
	Logger     string `json:"logger,omitempty"`
}

// Response answers a Request. TAN echoes the request's transaction number.
type Response struct {
	Type       string `json:"type"`
	Command    string `json:"command"`
	Subcommand string `json:"subcommand,omitempty"`
	TAN        int    `json:"tan"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Data       any    `json:"data,omitempty"`
}

// RecordMessage carries one log record to a streaming peer.
type RecordMessage struct {
	Type   string         `json:"type"`
	Record logging.Record `json:"record"`
}

// StateMessage reports that log distribution was enabled or disabled.
type StateMessage struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// ServerInfo is the payload of a serverinfo response.
type ServerInfo struct {
	AppName      string   `json:"appName"`
	Version      string   `json:"version"`
	ConnectionID string   `json:"connectionId"`
	Local        bool     `json:"local"`
	Loggers      []string `json:"loggers"`
	GlobalLevel  string   `json:"globalLevel"`
	BufferSize   int      `json:"bufferSize"`
}

// LevelInfo is the payload of a level response.
type LevelInfo struct {
	Logger string `json:"logger"`
	Level  string `json:"level"`
}
