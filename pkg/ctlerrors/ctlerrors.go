// Package ctlerrors defines the flat, stable-numbered error taxonomy that
// every RPC reply carries. Codes are stable on the wire; never renumber
// an existing one.
package ctlerrors

import "fmt"

type Code uint16

const (
	Success Code = iota
	InvalidJobID
	InvalidNodeName
	InvalidPartitionName
	InvalidJobState
	InvalidNodeStateChange
	AccessDenied
	InStandbyMode
	InStandbyUseBackup
	DuplicateJobID
	JobHeld
	JobPending
	AlreadyDone
	RequestedNodesBusy
	PartitionConfigUnavailable
	ReservationUnusable
	NodesUnavailable
	InvalidCredential
	ProtocolVersionMismatch
	InvalidAuthTypeChange
	InvalidSchedulerChange
	InvalidSelectChange
	InvalidSwitchChange
	InvalidCheckpointChange
	Disabled
	NotModified
	Internal
)

var names = map[Code]string{
	Success:                    "success",
	InvalidJobID:               "invalid-job-id",
	InvalidNodeName:            "invalid-node-name",
	InvalidPartitionName:       "invalid-partition-name",
	InvalidJobState:            "invalid-job-state",
	InvalidNodeStateChange:     "invalid-node-state-change",
	AccessDenied:               "access-denied",
	InStandbyMode:              "in-standby-mode",
	InStandbyUseBackup:         "in-standby-use-backup",
	DuplicateJobID:             "duplicate-job-id",
	JobHeld:                    "job-held",
	JobPending:                 "job-pending",
	AlreadyDone:                "already-done",
	RequestedNodesBusy:         "requested-nodes-busy",
	PartitionConfigUnavailable: "partition-config-unavailable",
	ReservationUnusable:        "reservation-unusable",
	NodesUnavailable:           "nodes-unavailable",
	InvalidCredential:          "invalid-credential",
	ProtocolVersionMismatch:    "protocol-version-mismatch",
	InvalidAuthTypeChange:      "invalid-authtype-change",
	InvalidSchedulerChange:     "invalid-scheduler-change",
	InvalidSelectChange:        "invalid-select-change",
	InvalidSwitchChange:        "invalid-switch-change",
	InvalidCheckpointChange:    "invalid-checkpoint-change",
	Disabled:                   "disabled",
	NotModified:                "not-modified",
	Internal:                   "internal-error",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", uint16(c))
}

// Error is the value every RPC handler returns for a per-request failure.
// It carries the stable wire code plus an operator-facing message.
type Error struct {
	Code Code
	Msg  string
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is lets errors.Is match any *Error target with the same Code, whatever
// its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}
