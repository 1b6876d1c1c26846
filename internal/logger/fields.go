package logger

import "go.uber.org/zap"

// ServerID tags the logical server id of a peer.
func ServerID(v string) zap.Field {
	return zap.String("server_id", v)
}

// ServerType tags a peer's server type.
func ServerType(v string) zap.Field {
	return zap.String("server_type", v)
}

// ModuleID tags the admin module a message is routed to.
func ModuleID(v string) zap.Field {
	return zap.String("module_id", v)
}

// ReqID tags a request/response correlation id.
func ReqID(v uint64) zap.Field {
	return zap.Uint64("req_id", v)
}

// ConnID tags a transport connection.
func ConnID(v uint64) zap.Field {
	return zap.Uint64("conn_id", v)
}

// Topic tags a transport channel.
func Topic(v string) zap.Field {
	return zap.String("topic", v)
}

// Addr tags a network address.
func Addr(v string) zap.Field {
	return zap.String("addr", v)
}
