// Package config holds the configuration surface recognized by the overlay
// node's core: one struct per concern with json tags. Default and the
// Default*Config constructors supply the standard values.
package config

import "time"

// AddressFilterConfig bounds per-IP-block connection counts and rates.
type AddressFilterConfig struct {
	MaxConnectionsPerIP4        int           `json:"max_connections_per_ip4"`
	MaxConnectionsPerIP6Prefix  int           `json:"max_connections_per_ip6_prefix"`
	IP6PrefixSize               int           `json:"max_connections_per_ip6_prefix_size"`
	MaxConnectionFrequencyPerMin int          `json:"max_connection_frequency_per_min"`
	PunishmentDuration          time.Duration `json:"punishment_duration"`
	DialInfoFailureDuration     time.Duration `json:"dial_info_failure_duration"`
}

// DefaultAddressFilterConfig holds the address filter's standard limits.
func DefaultAddressFilterConfig() AddressFilterConfig {
	return AddressFilterConfig{
		MaxConnectionsPerIP4:         32,
		MaxConnectionsPerIP6Prefix:   32,
		IP6PrefixSize:                56,
		MaxConnectionFrequencyPerMin: 128,
		PunishmentDuration:           60 * time.Minute,
		DialInfoFailureDuration:      10 * time.Minute,
	}
}

// ConnectionConfig governs connection lifecycle.
type ConnectionConfig struct {
	MaxConnections               int           `json:"max_connections"`
	InitialTimeout                time.Duration `json:"connection_initial_timeout_ms"`
	InactivityTimeout              time.Duration `json:"connection_inactivity_timeout_ms"`
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		MaxConnections:     4096,
		InitialTimeout:     10 * time.Second,
		InactivityTimeout:  60 * time.Second,
	}
}

// RPCConfig bounds RPC correlation/timeouts and route sizing.
type RPCConfig struct {
	TimeoutMS            time.Duration `json:"timeout_ms"`
	MaxTimestampBehindMS  time.Duration `json:"max_timestamp_behind_ms"`
	MaxTimestampAheadMS   time.Duration `json:"max_timestamp_ahead_ms"`
	QueueSize             int           `json:"queue_size"`
	Concurrency           int           `json:"concurrency"`
	MaxRouteHopCount      int           `json:"max_route_hop_count"`
	DefaultRouteHopCount  int           `json:"default_route_hop_count"`
}

func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		TimeoutMS:            5 * time.Second,
		MaxTimestampBehindMS:  5 * time.Second,
		MaxTimestampAheadMS:   5 * time.Second,
		QueueSize:             128,
		Concurrency:           8,
		MaxRouteHopCount:      4,
		DefaultRouteHopCount:  2,
	}
}

// DHTConfig sizes fanout, caches and watch limits.
type DHTConfig struct {
	GetCount, GetFanout                   int
	GetTimeoutMS                          time.Duration
	SetCount, SetFanout                   int
	SetTimeoutMS                          time.Duration
	ResolveNodeCount, ResolveNodeFanout   int
	ResolveNodeTimeoutMS                  time.Duration
	MinPeerCount                          int
	MinPeerRefreshTimeMS                  time.Duration
	ValidateDialInfoReceiptTimeMS         time.Duration
	LocalSubkeyCacheSize                  int
	RemoteSubkeyCacheSize                 int
	LocalMaxSubkeyCacheMemoryMB           int
	RemoteMaxStorageSpaceMB               int
	RemoteMaxRecords                      int
	PublicWatchLimit                      int
	MemberWatchLimit                      int
	MaxWatchExpirationMS                  time.Duration
}

func DefaultDHTConfig() DHTConfig {
	return DHTConfig{
		GetCount: 20, GetFanout: 8, GetTimeoutMS: 10 * time.Second,
		SetCount: 20, SetFanout: 8, SetTimeoutMS: 10 * time.Second,
		ResolveNodeCount: 20, ResolveNodeFanout: 4, ResolveNodeTimeoutMS: 10 * time.Second,
		MinPeerCount:                  20,
		MinPeerRefreshTimeMS:          10 * time.Second,
		ValidateDialInfoReceiptTimeMS: 5 * time.Second,
		LocalSubkeyCacheSize:          1024,
		RemoteSubkeyCacheSize:         1024,
		LocalMaxSubkeyCacheMemoryMB:   256,
		RemoteMaxStorageSpaceMB:       1024,
		RemoteMaxRecords:              65536,
		PublicWatchLimit:              32,
		MemberWatchLimit:              8,
		MaxWatchExpirationMS:          10 * time.Minute,
	}
}

// DiscoveryConfig controls NAT-class discovery behavior.
type DiscoveryConfig struct {
	UPnP                  bool `json:"upnp"`
	DetectAddressChanges  bool `json:"detect_address_changes"`
	RestrictedNATRetries  int  `json:"restricted_nat_retries"`
}

func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{UPnP: true, DetectAddressChanges: true, RestrictedNATRetries: 3}
}

// ProtocolConfig enables one wire protocol (udp/tcp/ws/wss) for connect
// and/or listen, via the network.protocol.{udp,tcp,ws,wss}.* options.
type ProtocolConfig struct {
	Connect       bool   `json:"connect"`
	Listen        bool   `json:"listen"`
	ListenAddress string `json:"listen_address"`
	PublicAddress string `json:"public_address,omitempty"`
	URL           string `json:"url,omitempty"`
	Path          string `json:"path,omitempty"`
}

type ProtocolsConfig struct {
	UDP ProtocolConfig `json:"udp"`
	TCP ProtocolConfig `json:"tcp"`
	WS  ProtocolConfig `json:"ws"`
	WSS ProtocolConfig `json:"wss"`
}

// TLSConfig configures the WSS acceptor.
type TLSConfig struct {
	CertificatePath        string        `json:"certificate_path"`
	PrivateKeyPath         string        `json:"private_key_path"`
	ConnectionInitialTimeout time.Duration `json:"connection_initial_timeout_ms"`
}

// Config is the top-level configuration surface for the overlay node core.
type Config struct {
	Network struct {
		AddressFilter AddressFilterConfig `json:"-"`
		Connection    ConnectionConfig    `json:"-"`
		RPC           RPCConfig           `json:"rpc"`
		DHT           DHTConfig           `json:"dht"`
		Discovery     DiscoveryConfig     `json:"-"`
		Protocol      ProtocolsConfig     `json:"protocol"`
		TLS           TLSConfig           `json:"tls"`
		Bootstrap     []string            `json:"bootstrap"`
		BootstrapNodes []string           `json:"bootstrap_nodes"`

		MaxConnectionsPerIP4         int           `json:"max_connections_per_ip4"`
		MaxConnectionsPerIP6Prefix   int           `json:"max_connections_per_ip6_prefix"`
		MaxConnectionsPerIP6PrefixSize int         `json:"max_connections_per_ip6_prefix_size"`
		MaxConnectionFrequencyPerMin int           `json:"max_connection_frequency_per_min"`
		ConnectionInitialTimeoutMS   time.Duration `json:"connection_initial_timeout_ms"`
		ConnectionInactivityTimeoutMS time.Duration `json:"connection_inactivity_timeout_ms"`
		UPnP                         bool          `json:"upnp"`
		DetectAddressChanges         bool          `json:"detect_address_changes"`
		RestrictedNATRetries         int           `json:"restricted_nat_retries"`
	} `json:"network"`
}

// Default returns a Config with every component's defaults filled in, so
// callers do not need to know every default themselves.
func Default() *Config {
	c := &Config{}
	c.Network.AddressFilter = DefaultAddressFilterConfig()
	c.Network.Connection = DefaultConnectionConfig()
	c.Network.RPC = DefaultRPCConfig()
	c.Network.DHT = DefaultDHTConfig()
	c.Network.Discovery = DefaultDiscoveryConfig()
	c.Network.Protocol = ProtocolsConfig{
		UDP: ProtocolConfig{Connect: true, Listen: true, ListenAddress: ":5150"},
		TCP: ProtocolConfig{Connect: true, Listen: true, ListenAddress: ":5150"},
	}
	return c
}
