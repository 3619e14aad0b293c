package cluster

import "strings"

// Status is the state of a node. The values are bit flags ordered by
// readiness, everything above StatusShuttingDown can take part in a quorum.
type Status uint8

const (
	StatusOffline       Status = 0
	StatusConnecting    Status = 1 << 0
	StatusConnected     Status = 1 << 1
	StatusBuilding      Status = 1 << 2
	StatusShuttingDown  Status = 1 << 3
	StatusSynchronizing Status = 1 << 4
	StatusAway          Status = 1 << 5
	StatusAwaySoon      Status = 1 << 6
	StatusReady         Status = 1 << 7
)

// broadcastMask selects the peers that receive committed changes
const broadcastMask = StatusReady | StatusAwaySoon | StatusAway | StatusSynchronizing

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "OFFLINE"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusBuilding:
		return "BUILDING"
	case StatusShuttingDown:
		return "SHUTTING_DOWN"
	case StatusSynchronizing:
		return "SYNCHRONIZING"
	case StatusAway:
		return "AWAY"
	case StatusAwaySoon:
		return "AWAY_SOON"
	case StatusReady:
		return "READY"
	}
	return "UNKNOWN"
}

// ParseStatus is the inverse of String
func ParseStatus(s string) (Status, bool) {
	for _, st := range []Status{
		StatusOffline, StatusConnecting, StatusConnected, StatusBuilding, StatusShuttingDown,
		StatusSynchronizing, StatusAway, StatusAwaySoon, StatusReady,
	} {
		if strings.EqualFold(st.String(), s) {
			return st, true
		}
	}
	return StatusOffline, false
}

// Reachable reports whether a node in this status counts towards a quorum
func (s Status) Reachable() bool {
	return s > StatusShuttingDown
}

// IsAway reports AWAY or AWAY_SOON
func (s Status) IsAway() bool {
	return s == StatusAway || s == StatusAwaySoon
}

// ReceivesChanges reports whether committed changes are sent to a node in this status
func (s Status) ReceivesChanges() bool {
	return s&broadcastMask != 0
}
