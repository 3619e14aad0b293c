package common

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Timeouts
// --------------------------------------------------------------------------

// Timeouts holds the per operation request timeouts
type Timeouts struct {
	Connect  time.Duration // handshake
	ChangeID time.Duration // change id acquisition
	Away     time.Duration // away mode negotiation
	Sync     time.Duration // sync start
	SyncPart time.Duration // single sync chunk or change
	SyncDone time.Duration // sync phase completion
	Client   time.Duration // client requests
}

// DefaultTimeouts returns the timeouts used by the cluster protocol
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:  5 * time.Second,
		ChangeID: 60 * time.Second,
		Away:     5 * time.Second,
		Sync:     10 * time.Second,
		SyncPart: 10 * time.Second,
		SyncDone: 300 * time.Second,
		Client:   120 * time.Second,
	}
}

// --------------------------------------------------------------------------
// Socket configuration
// --------------------------------------------------------------------------

// SocketConf holds the socket options applied to every connection
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// --------------------------------------------------------------------------
// Server configuration
// --------------------------------------------------------------------------

// Member is a node of the initial cluster, its position is its node id
type Member struct {
	Addr string
	Port uint16
	Zone uint8
}

// Endpoint returns host:port of the member
func (m Member) Endpoint() string {
	return net.JoinHostPort(m.Addr, strconv.Itoa(int(m.Port)))
}

// ServerConfig holds all parameters of a node
type ServerConfig struct {
	// Node identity
	NodeID  uint8
	Members []Member
	Secret  string
	Zone    uint8
	Init    bool // first start of a new cluster, the node starts READY without a sync

	// Listeners
	Endpoint     string // node and client traffic (tcp)
	ClientSocket string // optional unix socket for local clients

	// Storage
	DataDir      string
	SegmentSize  int64 // bytes after which the open archive segment is sealed
	KeepSegments int   // sealed segments kept after a snapshot

	// Protocol
	Serializer    string
	ChunkSize     int
	Timeouts      Timeouts
	Socket        SocketConf
	InfoInterval  time.Duration
	MaintInterval time.Duration

	// Observability
	MetricsEndpoint string
	LogLevel        string
}

// DefaultServerConfig returns a single node configuration with sane defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Members:       []Member{{Addr: "127.0.0.1", Port: 9220}},
		Endpoint:      "127.0.0.1:9220",
		DataDir:       "data",
		SegmentSize:   64 * 1024 * 1024,
		KeepSegments:  2,
		Serializer:    "binary",
		ChunkSize:     1024 * 1024,
		Timeouts:      DefaultTimeouts(),
		Socket:        SocketConf{TCPNoDelay: true, TCPLingerSec: -1},
		InfoInterval:  time.Second,
		MaintInterval: 60 * time.Second,
		LogLevel:      "info",
	}
}

// Validate checks the configuration for inconsistencies
func (c *ServerConfig) Validate() error {
	if len(c.Members) == 0 {
		return fmt.Errorf("at least one cluster member is required")
	}
	if int(c.NodeID) >= len(c.Members) {
		return fmt.Errorf("node id %d has no entry in the member list (%d members)", c.NodeID, len(c.Members))
	}
	if len(c.Members) > 127 {
		return fmt.Errorf("too many members: %d (max 127)", len(c.Members))
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if c.SegmentSize <= 0 {
		return fmt.Errorf("segment size must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Node Identity")
	addField("Node ID", strconv.Itoa(int(c.NodeID)))
	addField("Zone", strconv.Itoa(int(c.Zone)))
	if c.Init {
		addField("Init", "true")
	}
	addField("Endpoint", c.Endpoint)
	if c.ClientSocket != "" {
		addField("Client Socket", c.ClientSocket)
	}

	addSection("Storage")
	addField("Data Directory", c.DataDir)
	addField("Segment Size", fmt.Sprintf("%d bytes", c.SegmentSize))
	addField("Keep Segments", strconv.Itoa(c.KeepSegments))

	addSection("Protocol")
	addField("Serializer", c.Serializer)
	addField("Chunk Size", fmt.Sprintf("%d bytes", c.ChunkSize))
	addField("Info Interval", c.InfoInterval.String())
	addField("Maint Interval", c.MaintInterval.String())
	addField("Connect Timeout", c.Timeouts.Connect.String())
	addField("Change ID Timeout", c.Timeouts.ChangeID.String())
	addField("Sync Done Timeout", c.Timeouts.SyncDone.String())

	addSection("Logging")
	addField("Log Level", c.LogLevel)
	if c.MetricsEndpoint != "" {
		addField("Metrics Endpoint", c.MetricsEndpoint)
	}

	addSection("Cluster")
	ids := make([]int, 0, len(c.Members))
	for i := range c.Members {
		ids = append(ids, i)
	}
	sort.Ints(ids)
	for _, id := range ids {
		m := c.Members[id]
		sb.WriteString(fmt.Sprintf("    Node %d: %s (zone %d)\n", id, m.Endpoint(), m.Zone))
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration
// --------------------------------------------------------------------------

// ClientConfig holds the parameters of the admin client
type ClientConfig struct {
	Endpoint      string
	Transport     string // tcp or unix
	Serializer    string
	TimeoutSecond int
	RetryCount    int
	Socket        SocketConf
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder
	sb.WriteString("\nCLIENT CONFIGURATION\n")
	sb.WriteString(fmt.Sprintf("  %-22s: %s\n", "Endpoint", c.Endpoint))
	sb.WriteString(fmt.Sprintf("  %-22s: %s\n", "Transport", c.Transport))
	sb.WriteString(fmt.Sprintf("  %-22s: %s\n", "Serializer", c.Serializer))
	sb.WriteString(fmt.Sprintf("  %-22s: %d sec\n", "Timeout", c.TimeoutSecond))
	sb.WriteString(fmt.Sprintf("  %-22s: %d\n", "Retry Count", c.RetryCount))
	return sb.String()
}

// ParseMembers parses a comma separated member list of the form
// "0=host:port[/zone],1=host:port[/zone],...". Ids must be dense and start at 0.
func ParseMembers(s string) ([]Member, error) {
	byID := map[int]Member{}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid member format: %s (expected ID=host:port[/zone])", entry)
		}
		id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil || id < 0 || id > 126 {
			return nil, fmt.Errorf("invalid member id %s", parts[0])
		}
		if _, dup := byID[id]; dup {
			return nil, fmt.Errorf("duplicate member id %d", id)
		}

		addr := parts[1]
		var zone uint64
		if i := strings.LastIndex(addr, "/"); i >= 0 {
			zone, err = strconv.ParseUint(addr[i+1:], 10, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid zone in %s: %v", entry, err)
			}
			addr = addr[:i]
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %s: %v", addr, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port %s: %v", portStr, err)
		}
		byID[id] = Member{Addr: host, Port: uint16(port), Zone: uint8(zone)}
	}

	members := make([]Member, len(byID))
	for id, m := range byID {
		if id >= len(members) {
			return nil, fmt.Errorf("member ids must be dense, missing id below %d", id)
		}
		members[id] = m
	}
	return members, nil
}
