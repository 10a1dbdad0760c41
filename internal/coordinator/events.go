package coordinator

import (
	"encoding/json"

	"github.com/clauderelay/daemon/internal/chat"
	"github.com/clauderelay/daemon/internal/hookproto"
)

// eventKind tags the single event type routed through the coordinator's
// event loop.
type eventKind int

const (
	evPermissionRequest eventKind = iota
	evNotification
	evPostResult
	evButtonPressed
	evHookClosed
	evRequestTimeout
	evIdleChanged
)

type event struct {
	kind eventKind

	requestID string

	// evPermissionRequest
	frame hookproto.HookFrame
	conn  hookproto.Conn

	// evNotification reuses frame above.

	// evPostResult
	chatHandle hookproto.ChatHandle
	postErr    error

	// evButtonPressed
	choice chat.Choice

	// evIdleChanged
	transition hookproto.Transition

	// evHookClosed / evRequestTimeout carry only requestID.
}

func fieldsFromFrame(frame hookproto.HookFrame) chat.Fields {
	f := chat.Fields{"tool_name": frame.ToolName}
	if len(frame.ToolInput) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(frame.ToolInput, &decoded); err == nil {
			for k, v := range decoded {
				f[k] = stringify(v)
			}
		} else {
			f["tool_input"] = string(frame.ToolInput)
		}
	}
	return f
}

func notificationFields(frame hookproto.HookFrame) chat.Fields {
	return chat.Fields{
		"notification_type": frame.NotificationType,
		"message":           frame.Message,
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
