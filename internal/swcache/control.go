package swcache

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

type ControlType string

const (
	ControlPromoteNow ControlType = "PROMOTE_NOW"
	// ControlSkipWaiting is accepted as an alias of ControlPromoteNow.
	ControlSkipWaiting ControlType = "SKIP_WAITING"
	ControlCleanup     ControlType = "CLEANUP"
)

// ControlMessage is an out-of-band instruction for the registry.
type ControlMessage struct {
	Type ControlType `json:"type"`
	// Version overrides the generation kept by CLEANUP.
	Version string `json:"version,omitempty"`
}

func ParseControlMessage(b []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		return ControlMessage{}, errors.Mark(errors.Wrap(err, "decode control message"), ErrUnknownControlMessage)
	}
	msg.Type = ControlType(strings.ToUpper(strings.TrimSpace(string(msg.Type))))
	switch msg.Type {
	case ControlSkipWaiting:
		msg.Type = ControlPromoteNow
	case ControlPromoteNow, ControlCleanup:
	default:
		return ControlMessage{}, errors.Mark(errors.Newf("control message type %q", msg.Type), ErrUnknownControlMessage)
	}
	msg.Version = strings.TrimSpace(msg.Version)
	return msg, nil
}

// ControlResult describes what a control message did.
type ControlResult struct {
	Type     ControlType `json:"type"`
	Active   string      `json:"active,omitempty"`
	Promoted string      `json:"promoted,omitempty"`
	Deleted  []string    `json:"deleted,omitempty"`
}
