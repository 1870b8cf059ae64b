package models

import (
	"fmt"
	"strings"
)

// QueuePattern identifies the role a synchronization queue plays.
type QueuePattern string

const (
	PatternOutbound      QueuePattern = "outbound"
	PatternInbound       QueuePattern = "inbound"
	PatternAdminOutbound QueuePattern = "admin_outbound"
	PatternDeadLetter    QueuePattern = "deadletter"
)

// ParseQueuePattern accepts the canonical names case-insensitively.
func ParseQueuePattern(raw string) (QueuePattern, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "outbound":
		return PatternOutbound, nil
	case "inbound":
		return PatternInbound, nil
	case "admin_outbound", "adminoutbound", "admin":
		return PatternAdminOutbound, nil
	case "deadletter", "dead_letter":
		return PatternDeadLetter, nil
	default:
		return "", fmt.Errorf("unknown queue pattern %q", raw)
	}
}

// IsOutgoing reports whether entries of this pattern are transmitted upstream.
func (p QueuePattern) IsOutgoing() bool {
	return p == PatternOutbound || p == PatternAdminOutbound
}

// QueueInfo is the administrative view of a synchronization queue.
type QueueInfo struct {
	Name    string       `json:"name"`
	Pattern QueuePattern `json:"pattern"`
}
