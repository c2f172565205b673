// Package acdevents provides the broadcast bus carrying ACD engine
// events out to observability consumers (the audit trail, metrics,
// structured logging) without the engine itself depending on any of them.
package acdevents

import (
	"net"
	"time"
)

// Type identifies the kind of notification carried on the bus.
type Type string

const (
	TypeReady    Type = "acd.ready"
	TypeUsed     Type = "acd.used"
	TypeDefended Type = "acd.defended"
	TypeConflict Type = "acd.conflict"
	TypeDown     Type = "acd.down"
)

// Event is the payload published to the bus, adapted from an
// acd.Context's popped Event.
type Event struct {
	Type      Type             `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Interface string           `json:"interface"`
	IP        net.IP           `json:"ip,omitempty"`
	Operation uint16           `json:"operation,omitempty"`
	Sender    net.HardwareAddr `json:"sender,omitempty"`
}
