package domain

import (
	"encoding/json"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

type CommandKind string

const (
	KindStart      CommandKind = "start"
	KindStop       CommandKind = "stop"
	KindStopOne    CommandKind = "stop-one"
	KindRefresh    CommandKind = "refresh"
	KindRestartOne CommandKind = "restart-one"
	KindStatus     CommandKind = "status"
)

// kindAliases maps older controller spellings onto the canonical kinds
var kindAliases = map[string]CommandKind{
	"stop_app": KindStopOne,
	"stop_one": KindStopOne,
	"restart":  KindRestartOne,
}

// ControlMessage is the wire envelope of a control request. MessageType and
// App are accepted as older spellings of Kind and Name.
type ControlMessage struct {
	Kind        string `json:"kind,omitempty"`
	Name        string `json:"name,omitempty"`
	ReplyTarget string `json:"reply_target,omitempty"`
	MessageType string `json:"message_type,omitempty"`
	App         string `json:"app,omitempty"`
}

// Command is a decoded control request
type Command interface {
	Kind() CommandKind
}

type StartCommand struct{}

type StopCommand struct{}

type StopOneCommand struct {
	Name string
}

type RefreshCommand struct{}

type RestartOneCommand struct {
	Name string
}

type StatusCommand struct{}

func (StartCommand) Kind() CommandKind      { return KindStart }
func (StopCommand) Kind() CommandKind       { return KindStop }
func (StopOneCommand) Kind() CommandKind    { return KindStopOne }
func (RefreshCommand) Kind() CommandKind    { return KindRefresh }
func (RestartOneCommand) Kind() CommandKind { return KindRestartOne }
func (StatusCommand) Kind() CommandKind     { return KindStatus }

// TargetName returns the unit a command addresses, or "" for whole-set commands
func TargetName(cmd Command) string {
	switch c := cmd.(type) {
	case StopOneCommand:
		return c.Name
	case RestartOneCommand:
		return c.Name
	default:
		return ""
	}
}

// NewControlMessage builds the envelope for a command
func NewControlMessage(cmd Command, replyTarget string) ControlMessage {
	return ControlMessage{
		Kind:        string(cmd.Kind()),
		Name:        TargetName(cmd),
		ReplyTarget: replyTarget,
	}
}

// DecodeCommand turns an envelope into a tagged command. Unknown kinds and
// missing names are protocol errors.
func DecodeCommand(msg ControlMessage) (Command, error) {
	rawKind := strings.TrimSpace(firstNonEmpty(msg.Kind, msg.MessageType))
	name := strings.TrimSpace(firstNonEmpty(msg.Name, msg.App))

	kind := CommandKind(rawKind)
	if alias, ok := kindAliases[rawKind]; ok {
		kind = alias
	}

	switch kind {
	case KindStart:
		return StartCommand{}, nil
	case KindStop:
		// the older controller sent "stop" with an app to stop a single unit
		if name != "" && msg.Kind == "" {
			return StopOneCommand{Name: name}, nil
		}
		return StopCommand{}, nil
	case KindRefresh:
		return RefreshCommand{}, nil
	case KindStatus:
		return StatusCommand{}, nil
	case KindStopOne, KindRestartOne:
		if name == "" {
			return nil, errors.NewProtocolError("name is required", nil).WithContext("kind", string(kind))
		}
		if kind == KindStopOne {
			return StopOneCommand{Name: name}, nil
		}
		return RestartOneCommand{Name: name}, nil
	case "":
		return nil, errors.NewProtocolError("kind is required", nil)
	default:
		return nil, errors.NewProtocolError("unknown kind", nil).WithContext("kind", rawKind)
	}
}

// ParseControlMessage decodes one serialized record
func ParseControlMessage(data []byte) (Command, ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, msg, errors.NewProtocolError("malformed control message", err)
	}
	cmd, err := DecodeCommand(msg)
	return cmd, msg, err
}
