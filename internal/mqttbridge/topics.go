package mqttbridge

import "strings"

// Availability payloads published on the availability topic.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Topics builds the topics for one bridged switch under a common prefix.
//
//	t := Topics{Prefix: "home/hallway"}
//	t.State() // "home/hallway/state"
type Topics struct {
	Prefix string
}

func (t Topics) join(leaf string) string {
	return strings.TrimSuffix(t.Prefix, "/") + "/" + leaf
}

// State is where the switch state is published, retained.
func (t Topics) State() string { return t.join("state") }

// Set is where commands for the switch are received.
func (t Topics) Set() string { return t.join("set") }

// Availability carries "online"/"offline", retained and used as the will topic.
func (t Topics) Availability() string { return t.join("availability") }
