package protocol

import "encoding/json"

// ServerInfo describes a monitored server process.
type ServerInfo struct {
	ID         string `json:"id" yaml:"id"`
	ServerType string `json:"serverType" yaml:"server_type"`
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	PID        int    `json:"pid,omitempty" yaml:"-"`
}

// SameServer reports whether a and b describe the same process: same
// host and port, and same id and server type where both sides carry one.
func SameServer(a, b ServerInfo) bool {
	if a.Host != b.Host || a.Port != b.Port {
		return false
	}
	if a.ID != "" && b.ID != "" && a.ID != b.ID {
		return false
	}
	if a.ServerType != "" && b.ServerType != "" && a.ServerType != b.ServerType {
		return false
	}
	return true
}

// RegisterRequest is sent on the register and reconnect topics. Monitors
// fill ServerType, PID, Info and Token; clients fill Username, Password
// and MD5.
type RegisterRequest struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	ServerType string      `json:"serverType,omitempty"`
	PID        int         `json:"pid,omitempty"`
	Info       *ServerInfo `json:"info,omitempty"`
	Token      string      `json:"token,omitempty"`
	Username   string      `json:"username,omitempty"`
	Password   string      `json:"password,omitempty"`
	MD5        bool        `json:"md5,omitempty"`
}

// RegisterResponse answers register and reconnect frames.
type RegisterResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// OKResponse is the success ack for register and reconnect.
func OKResponse() RegisterResponse {
	return RegisterResponse{Code: OK, Msg: "ok"}
}

// FailResponse is a failure ack carrying a reason.
func FailResponse(msg string) RegisterResponse {
	return RegisterResponse{Code: FAIL, Msg: msg}
}

// ClientFields are the fields an admin client attaches to every body it
// sends so the master can run its ACL.
type ClientFields struct {
	ClientID string `json:"clientId,omitempty"`
	Username string `json:"username,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// ClientFieldsOf extracts ClientFields from a message body. Bodies that
// are not JSON objects yield the zero value.
func ClientFieldsOf(body json.RawMessage) ClientFields {
	var f ClientFields
	if len(body) == 0 {
		return f
	}
	_ = json.Unmarshal(body, &f)
	return f
}

// User is what an AuthUser callback returns for an accepted admin
// client. Level 1 is the most privileged; 0 means no level was assigned.
type User struct {
	Username string `json:"username" yaml:"username"`
	Level    int    `json:"level,omitempty" yaml:"level"`
}
