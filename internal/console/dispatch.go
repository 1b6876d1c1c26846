package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"sort"

	"go.uber.org/zap"

	"cloud-admin/internal/logger"
	"cloud-admin/internal/protocol"
)

// ConsoleModuleID is the reserved id of the cluster control module.
const ConsoleModuleID = "__console__"

// ACL denial reasons.
const (
	DenyUnknownClient = "Unknow clientId"
	DenyClientInfo    = "Client info error"
	DenyPermission    = "Command permission denied"
)

const (
	aclAllowed    = ""
	actionExecute = "execute"
	actionCommand = "command"

	privilegedUserLevel = 1
)

// Dispatch errors. The error returned by Execute and Command wraps one of
// these and carries the message peers see on the wire.
var (
	ErrEmptyModuleID   = errors.New("empty moduleId")
	ErrUnknownModule   = errors.New("unknown module")
	ErrModuleDisabled  = errors.New("module disabled")
	ErrMissingMethod   = errors.New("missing module method")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrAccessDenied    = errors.New("access denied")
	ErrHandlerPanicked = errors.New("module handler panicked")
)

var reservedModuleID = regexp.MustCompile(`^__\w+__$`)

// controlSignals may be sent to the console module without a client id.
var controlSignals = map[string]bool{"stop": true, "add": true, "kill": true}

type dispatchError struct {
	kind error
	msg  string
}

func (e *dispatchError) Error() string { return e.msg }
func (e *dispatchError) Unwrap() error { return e.kind }

func dispatchErr(kind error, format string, args ...any) error {
	return &dispatchError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// AuditLog is an admin action record.
type AuditLog struct {
	Action   string          `json:"action"`
	ModuleID string          `json:"moduleId"`
	Method   string          `json:"method,omitempty"`
	Msg      json.RawMessage `json:"msg,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (s *Service) audit(entry AuditLog) {
	fields := []zap.Field{
		zap.String("action", entry.Action),
		logger.ModuleID(entry.ModuleID),
		zap.String("method", entry.Method),
	}
	if entry.Error != "" {
		s.log.Warn("admin action denied", append(fields, zap.String("reason", entry.Error))...)
	} else {
		s.log.Info("admin action", fields...)
	}
	if s.events.OnAdminLog != nil {
		s.events.OnAdminLog(entry)
	}
}

// Execute runs method of moduleID with msg after the ACL check.
func (s *Service) Execute(ctx context.Context, moduleID, method string, msg json.RawMessage) (any, error) {
	s.mu.RLock()
	rec, ok := s.modules[moduleID]
	enabled := ok && rec.enabled
	s.mu.RUnlock()

	if !ok {
		s.log.Error("unknown module", logger.ModuleID(moduleID))
		return nil, dispatchErr(ErrUnknownModule, "unknown moduleId:%s", moduleID)
	}
	if !enabled {
		s.log.Error("module is disable", logger.ModuleID(moduleID))
		return nil, dispatchErr(ErrModuleDisabled, "module %s is disable", moduleID)
	}
	if !s.hasMethod(rec.module, method) {
		s.log.Error("module does not have the method", logger.ModuleID(moduleID), zap.String("method", method))
		return nil, dispatchErr(ErrMissingMethod, "module %s dose not have a method called %s", moduleID, method)
	}

	entry := AuditLog{Action: actionExecute, ModuleID: moduleID, Method: method, Msg: msg}
	if reason := s.acl(actionExecute, method, moduleID, msg); reason != aclAllowed {
		entry.Error = reason
		s.audit(entry)
		return nil, dispatchErr(ErrAccessDenied, "%s", reason)
	}
	if method == protocol.MethodClient {
		s.audit(entry)
	}

	return s.invoke(ctx, rec, method, msg)
}

// Command runs a built-in command: list, enable or disable.
func (s *Service) Command(ctx context.Context, command, moduleID string, msg json.RawMessage) (any, error) {
	var run func(moduleID string, msg json.RawMessage) (any, error)
	switch command {
	case "list":
		run = s.listCommand
	case "enable":
		run = s.enableCommand
	case "disable":
		run = s.disableCommand
	default:
		return nil, dispatchErr(ErrUnknownCommand, "unknown command:%s", command)
	}

	entry := AuditLog{Action: actionCommand, ModuleID: moduleID, Msg: msg}
	if reason := s.acl(actionCommand, "", moduleID, msg); reason != aclAllowed {
		entry.Error = reason
		s.audit(entry)
		return nil, dispatchErr(ErrAccessDenied, "%s", reason)
	}
	s.audit(entry)
	return run(moduleID, msg)
}

// acl is default-allow for peer handlers. Client handler calls and
// commands need a registered client of level at most one; control
// signals to the console module pass without a client id. Commands on a
// monitor come from the master, which checked them already.
func (s *Service) acl(action, method, moduleID string, msg json.RawMessage) string {
	if s.role == RoleMonitor {
		return aclAllowed
	}
	fields := protocol.ClientFieldsOf(msg)
	if action == actionExecute {
		if method != protocol.MethodClient {
			return aclAllowed
		}
		if moduleID == ConsoleModuleID && controlSignals[fields.Signal] {
			return aclAllowed
		}
	}

	if fields.ClientID == "" {
		return DenyUnknownClient
	}
	rec, ok := s.master.Client(fields.ClientID)
	if !ok || rec.User == nil || rec.User.Level == 0 {
		return DenyClientInfo
	}
	if rec.User.Level > privilegedUserLevel {
		return DenyPermission
	}
	return aclAllowed
}

func (s *Service) hasMethod(m Module, method string) bool {
	switch method {
	case protocol.MethodMonitor:
		_, ok := m.(MonitorHandler)
		return ok && s.role == RoleMonitor
	case protocol.MethodMaster:
		_, ok := m.(MasterHandler)
		return ok && s.role == RoleMaster
	case protocol.MethodClient:
		_, ok := m.(ClientHandler)
		return ok && s.role == RoleMaster
	}
	return false
}

// invoke calls the handler. A panicking handler fails only its own call.
func (s *Service) invoke(ctx context.Context, rec *moduleRecord, method string, msg json.RawMessage) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("module handler panic", logger.ModuleID(rec.id), zap.String("method", method),
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			res, err = nil, dispatchErr(ErrHandlerPanicked, "module %s %s panicked: %v", rec.id, method, r)
		}
	}()

	switch method {
	case protocol.MethodMonitor:
		if h, ok := rec.module.(MonitorHandler); ok && s.monitor != nil {
			return h.HandleMonitor(ctx, s.monitor, msg)
		}
	case protocol.MethodMaster:
		if h, ok := rec.module.(MasterHandler); ok && s.master != nil {
			return h.HandleMaster(ctx, s.master, msg)
		}
	case protocol.MethodClient:
		if h, ok := rec.module.(ClientHandler); ok && s.master != nil {
			return h.HandleClient(ctx, s.master, msg)
		}
	}
	return nil, dispatchErr(ErrMissingMethod, "module %s dose not have a method called %s", rec.id, method)
}

// ModuleList is the result of the list command.
type ModuleList struct {
	Modules []string `json:"modules"`
}

func (s *Service) listCommand(string, json.RawMessage) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := ModuleList{Modules: []string{}}
	for id := range s.modules {
		if reservedModuleID.MatchString(id) {
			continue
		}
		out.Modules = append(out.Modules, id)
	}
	sort.Strings(out.Modules)
	return out, nil
}

func (s *Service) enableCommand(moduleID string, msg json.RawMessage) (any, error) {
	return s.toggleCommand("enable", moduleID, msg, s.Enable)
}

func (s *Service) disableCommand(moduleID string, msg json.RawMessage) (any, error) {
	return s.toggleCommand("disable", moduleID, msg, s.Disable)
}

// toggleCommand flips a module; on the master the command is mirrored to
// every monitor.
func (s *Service) toggleCommand(command, moduleID string, msg json.RawMessage, toggle func(string) bool) (any, error) {
	if moduleID == "" {
		s.log.Error("fail to " + command + " admin module for empty moduleId")
		return nil, dispatchErr(ErrEmptyModuleID, "empty moduleId")
	}
	s.mu.RLock()
	_, ok := s.modules[moduleID]
	s.mu.RUnlock()
	if !ok {
		return protocol.FAIL, nil
	}

	toggle(moduleID)
	if s.role == RoleMaster {
		if err := s.master.NotifyCommand(command, moduleID, msg); err != nil {
			s.log.Warn("mirror command to monitors failed", zap.String("command", command), zap.Error(err))
		}
	}
	return protocol.OK, nil
}
