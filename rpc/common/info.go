package common

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PeerInfo is the view a node has of one cluster member
type PeerInfo struct {
	ID        uint8  `json:"id"`
	Endpoint  string `json:"endpoint"`
	Zone      uint8  `json:"zone"`
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	CCID      uint64 `json:"ccid"`
	SCID      uint64 `json:"scid"`
}

// CollectionInfo describes a collection of the replicated store
type CollectionInfo struct {
	ID     uint64 `json:"id"`
	Name   string `json:"name"`
	Things int    `json:"things"`
}

// NodeInfo is the document a node returns for ClientReqInfo. It travels as
// JSON in Message.Data, independent of the configured serializer.
type NodeInfo struct {
	ID           uint8            `json:"id"`
	Version      string           `json:"version"`
	Status       string           `json:"status"`
	Zone         uint8            `json:"zone"`
	CCID         uint64           `json:"ccid"`
	SCID         uint64           `json:"scid"`
	NextChangeID uint64           `json:"next_change_id"`
	LowCCID      uint64           `json:"low_ccid"` // committed on every node
	LowSCID      uint64           `json:"low_scid"` // stored on every node
	Queued       int              `json:"queued"`
	Inflight     int              `json:"inflight"`
	Away         string           `json:"away"` // step of the maintenance cycle
	AwayCycles   int              `json:"away_cycles"`
	Syncs        int              `json:"syncs"` // syncs served right now
	SyncSource   int              `json:"sync_source"`
	Uptime       time.Duration    `json:"uptime"`
	Changes      json.RawMessage  `json:"changes,omitempty"`
	Nodes        []PeerInfo       `json:"nodes"`
	Collections  []CollectionInfo `json:"collections"`
}

// Collection returns the id of the collection called name
func (i *NodeInfo) Collection(name string) (uint64, bool) {
	for _, c := range i.Collections {
		if c.Name == name {
			return c.ID, true
		}
	}
	return 0, false
}

// String renders the document the way the CLI prints it
func (i *NodeInfo) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("node:%d (%s) %s, zone %d, up %s\n", i.ID, i.Version, i.Status, i.Zone, i.Uptime.Round(time.Second)))
	sb.WriteString(fmt.Sprintf("  %-14s: %d (stored %d, next %d)\n", "ccid", i.CCID, i.SCID, i.NextChangeID))
	sb.WriteString(fmt.Sprintf("  %-14s: %d (stored %d)\n", "cluster ccid", i.LowCCID, i.LowSCID))
	sb.WriteString(fmt.Sprintf("  %-14s: %d queued, %d in flight\n", "pipeline", i.Queued, i.Inflight))
	sb.WriteString(fmt.Sprintf("  %-14s: %s (%d cycles, %d syncs)\n", "away", i.Away, i.AwayCycles, i.Syncs))

	sb.WriteString("\nNODES\n")
	for _, n := range i.Nodes {
		conn := ""
		if n.Connected {
			conn = " connected"
		}
		sb.WriteString(fmt.Sprintf("  node:%-3d %-22s zone %-3d %-13s ccid %d%s\n", n.ID, n.Endpoint, n.Zone, n.Status, n.CCID, conn))
	}

	sb.WriteString("\nCOLLECTIONS\n")
	for _, c := range i.Collections {
		sb.WriteString(fmt.Sprintf("  %-4d %-20s %d things\n", c.ID, c.Name, c.Things))
	}
	return sb.String()
}
