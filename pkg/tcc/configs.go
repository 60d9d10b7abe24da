package tcc

import "time"

// CqlSeasoning represents the configuration values.
type CqlSeasoning struct {
	PoolConfig        *PoolConfig        `json:"PoolConfig" yaml:"PoolConfig"`
	CompressionConfig *CompressionConfig `json:"CompressionConfig" yaml:"CompressionConfig"`
	SessionConfig     *SessionConfig     `json:"SessionConfig" yaml:"SessionConfig"`
}

// PoolConfig represents settings for creating/configuring pools.
type PoolConfig struct {
	ApplicationName         string     `json:"ApplicationName" yaml:"ApplicationName"`
	NumConnectionsPerHost   uint64     `json:"NumConnectionsPerHost" yaml:"NumConnectionsPerHost"`     // target pool size per host
	ReconnectWaitInterval   uint32     `json:"ReconnectWaitInterval" yaml:"ReconnectWaitInterval"`     // milliseconds before a pool retries a lost connection
	ReconnectLimit          uint32     `json:"ReconnectLimit" yaml:"ReconnectLimit"`                   // consecutive failed reconnect rounds before the pool closes (0 = unlimited)
	QueueSizeIO             uint64     `json:"QueueSizeIO" yaml:"QueueSizeIO"`                         // bound on the per-connection pending-write queue
	MaxStreamsPerConnection uint16     `json:"MaxStreamsPerConnection" yaml:"MaxStreamsPerConnection"` // concurrent streams per connection, protocol-version dependent
	ConnectionTimeout       uint32     `json:"ConnectionTimeout" yaml:"ConnectionTimeout"`             // seconds, forwarded to the transport
	Heartbeat               uint32     `json:"Heartbeat" yaml:"Heartbeat"`                             // seconds, forwarded to the transport
	TLSConfig               *TLSConfig `json:"TLSConfig" yaml:"TLSConfig"`
}

// TLSConfig represents settings forwarded opaquely to the transport Connector.
type TLSConfig struct {
	EnableTLS         bool   `json:"EnableTLS" yaml:"EnableTLS"`
	PEMCertLocation   string `json:"PEMCertLocation" yaml:"PEMCertLocation"`
	LocalCertLocation string `json:"LocalCertLocation" yaml:"LocalCertLocation"`
	CertServerName    string `json:"CertServerName" yaml:"CertServerName"`
}

// SessionConfig represents settings for the session dispatcher.
type SessionConfig struct {
	Keyspace string `json:"Keyspace" yaml:"Keyspace"`
}

// CompressionConfig selects the frame-body compression applied before frames
// enter the pending-write queue.
type CompressionConfig struct {
	Enabled bool   `json:"Enabled" yaml:"Enabled"`
	Type    string `json:"Type,omitempty" yaml:"Type,omitempty"`
}

// ConnectionSettings is the opaque bundle handed to the transport Connector
// for every connect attempt. Keyspace is stamped with the session-wide value
// current at connect time.
type ConnectionSettings struct {
	ApplicationName   string
	Keyspace          string
	ConnectionTimeout time.Duration
	Heartbeat         time.Duration
	MaxStreams        uint16
	TLSConfig         *TLSConfig
	Compression       *CompressionConfig
}

const (
	defaultReconnectWaitInterval = 2000 // milliseconds
	defaultQueueSizeIO           = 8192
)

// poolSettings is the validated runtime view of the configuration.
type poolSettings struct {
	numConnectionsPerHost   uint64
	reconnectWait           time.Duration
	reconnectLimit          uint32
	queueSizeIO             uint64
	maxStreamsPerConnection uint16
	compression             *CompressionConfig
	connectionSettings      *ConnectionSettings
}

func newPoolSettings(config *PoolConfig, compression *CompressionConfig) *poolSettings {

	reconnectWait := config.ReconnectWaitInterval
	if reconnectWait == 0 {
		reconnectWait = defaultReconnectWaitInterval
	}

	queueSizeIO := config.QueueSizeIO
	if queueSizeIO == 0 {
		queueSizeIO = defaultQueueSizeIO
	}

	if compression == nil {
		compression = &CompressionConfig{}
	}

	return &poolSettings{
		numConnectionsPerHost:   config.NumConnectionsPerHost,
		reconnectWait:           time.Duration(reconnectWait) * time.Millisecond,
		reconnectLimit:          config.ReconnectLimit,
		queueSizeIO:             queueSizeIO,
		maxStreamsPerConnection: config.MaxStreamsPerConnection,
		compression:             compression,
		connectionSettings: &ConnectionSettings{
			ApplicationName:   config.ApplicationName,
			ConnectionTimeout: time.Duration(config.ConnectionTimeout) * time.Second,
			Heartbeat:         time.Duration(config.Heartbeat) * time.Second,
			MaxStreams:        config.MaxStreamsPerConnection,
			TLSConfig:         config.TLSConfig,
			Compression:       compression,
		},
	}
}
