package model

import "time"

// CotTypeMode controls how the CoT event type is chosen for a stream:
// one type for the whole stream, or per position from the provider's hint.
type CotTypeMode string

const (
	CotTypeModeStream   CotTypeMode = "stream"
	CotTypeModePerPoint CotTypeMode = "per_point"
)

// CallsignMapping is one entry of a stream's identifier -> callsign table.
type CallsignMapping struct {
	Callsign       string
	Enabled        bool
	CotTypeOverride string
	TeamRole       string
	TeamColor      string
}

// Position.Extra keys callsign mapping uses to carry per-mapping metadata
// that downstream CoT construction needs but that does not belong on
// Position's typed fields: the cot type override (kept distinct from
// Position.CotTypeHint since the override applies regardless of
// cot_type_mode) and team-member color/role.
const (
	ExtraCotTypeOverrideKey = "callsign_cot_type_override"
	ExtraTeamColorKey       = "callsign_team_color"
	ExtraTeamRoleKey        = "callsign_team_role"
)

// StreamConfig is the persisted configuration for one provider polling
// pipeline.
type StreamConfig struct {
	ID                     string
	Name                   string
	PluginType             string
	PluginConfig           map[string]any
	PollIntervalSeconds    int
	CotTypeDefault         string
	CotStaleSeconds        int
	CotTypeMode            CotTypeMode
	Destinations           []string // server IDs, non-empty
	EnableCallsignMapping  bool
	CallsignIdentifierField string
	CallsignMappings       map[string]CallsignMapping
	Enabled                bool
	RowVersion             int64
	UpdatedAt              time.Time
}

// Protocol is the transport a TAK server destination is reached over.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolTLS Protocol = "tls"
)

// TLSMaterial is the client certificate/CA/fingerprint bundle used to
// validate and authenticate a TLS destination. Fields are opaque PEM
// blocks or a pinned fingerprint; the repository stores these encrypted or
// as a secrets-manager reference (see internal/secrets). When VaultPath is
// set, the PEM fields are resolved from the secrets manager at
// worker-start time and the stored values are ignored.
type TLSMaterial struct {
	ClientCertPEM      []byte
	ClientKeyPEM       []byte
	CACertPEM          []byte
	Fingerprint        string // hex SHA-256; when set, checked instead of CACertPEM
	InsecureSkipVerify bool
	VaultPath          string
}

// ServerConfig is the persisted configuration for one TAK server
// destination.
type ServerConfig struct {
	ID          string
	Name        string
	Host        string
	Port        int
	Protocol    Protocol
	TLSMaterial *TLSMaterial
	RowVersion  int64
	UpdatedAt   time.Time
}
