package mqttv3

import (
	"errors"
	"strconv"
)

// Topic suffixes appended to the device identifier.
const (
	TopicSuffixMessages = "/messages/json"
	TopicSuffixTasks    = "/tasks/json"
	TopicSuffixAcks     = "/acks/json"
)

// MessagesTopic returns the telemetry topic of a device.
func MessagesTopic(deviceID string) string { return deviceID + TopicSuffixMessages }

// TasksTopic returns the topic a device receives commands on.
func TasksTopic(deviceID string) string { return deviceID + TopicSuffixTasks }

// AcksTopic returns the topic command acknowledgments are published to.
func AcksTopic(deviceID string) string { return deviceID + TopicSuffixAcks }

// ErrInvalidCommand is returned for task payloads that carry neither a
// "command" nor a "write" object.
var ErrInvalidCommand = errors.New("payload carries no command")

// CommandKind tells custom commands from write tasks.
type CommandKind int

const (
	// CommandCustom is {"command":{"id":..,"params":[..]}}.
	CommandCustom CommandKind = iota
	// CommandWrite is {"write":[{"key":value},..]}.
	CommandWrite
)

// Param is one key/value argument of a command.
type Param struct {
	Key   string
	Value string
}

// Command is a decoded task envelope.
type Command struct {
	Kind      CommandKind
	UID       string
	Timestamp int64
	ID        string
	Params    []Param
}

// FullKey returns the application key of param i: "<id>.<key>" for custom
// commands, the bare key for writes.
func (c *Command) FullKey(i int) string {
	if c.Kind == CommandCustom && c.ID != "" {
		return c.ID + "." + c.Params[i].Key
	}
	return c.Params[i].Key
}

// DecodeCommand decodes a task payload. Missing uid and timestamp are left
// empty; a payload without a command is ErrInvalidCommand.
func DecodeCommand(payload []byte) (*Command, error) {
	doc := string(payload)
	cmd := &Command{}

	cmd.UID, _ = GetValue(doc, "uid")
	if ts, ok := GetValue(doc, "timestamp"); ok {
		cmd.Timestamp, _ = strconv.ParseInt(ts, 10, 64)
	}

	var params string
	if body, ok := GetValue(doc, "command"); ok {
		cmd.Kind = CommandCustom
		cmd.ID, _ = GetValue(body, "id")
		params, _ = GetValue(body, "params")
	} else if body, ok := GetValue(doc, "write"); ok {
		cmd.Kind = CommandWrite
		params = body
	} else {
		return cmd, ErrInvalidCommand
	}

	for i := 0; ; i++ {
		key, value, ok := GetValueAt(params, i)
		if !ok {
			break
		}
		cmd.Params = append(cmd.Params, Param{Key: key, Value: value})
	}
	return cmd, nil
}

// AckStatus is the outcome reported for a command.
type AckStatus string

// Acknowledgment statuses.
const (
	AckOK    AckStatus = "OK"
	AckError AckStatus = "ERROR"
)

type ackEntry struct {
	UID     string    `json:"uid"`
	Status  AckStatus `json:"status"`
	Message string    `json:"message,omitempty"`
}

// EncodeAck renders a command acknowledgment:
// [{"uid":"..","status":"OK"|"ERROR","message":".."}]. An empty message is
// omitted.
func EncodeAck(uid string, status AckStatus, message string) ([]byte, error) {
	return envelopeJSON.Marshal([]ackEntry{{UID: uid, Status: status, Message: message}})
}
