// Package protocol defines the SSH2 wire message types consumed by the core:
// RFC 4253 (transport), RFC 4252 (authentication) and RFC 4254 (connection).
//
// Only the opcodes and payload shapes the core dispatches on are modelled
// here; per-channel application payloads (shell/exec/subsystem requests) are
// treated as opaque byte blobs the caller supplies and the core forwards.
package protocol

// Message type octets, RFC 4253/4252/4254.
const (
	MsgDisconnect = 1
	MsgIgnore     = 2
	MsgUnimplemented = 3
	MsgDebug      = 4
	MsgServiceRequest = 5
	MsgServiceAccept  = 6

	MsgKexInit  = 20
	MsgNewKeys  = 21

	// Diffie-Hellman key exchange messages, RFC 4253 §8.
	MsgKexDHInit  = 30
	MsgKexDHReply = 31

	MsgUserAuthRequest    = 50
	MsgUserAuthFailure    = 51
	MsgUserAuthSuccess    = 52
	MsgUserAuthBanner     = 53
	// MsgUserAuthPKOK and MsgUserAuthInfoRequest share wire value 60: RFC
	// 4252 §7 (publickey) and RFC 4256 §3.2 (keyboard-interactive) both
	// claim it, disambiguated by which method the client's last
	// SSH_MSG_USERAUTH_REQUEST named. Two names are kept here so callers
	// read the one that matches the method they're driving.
	MsgUserAuthPKOK         = 60
	MsgUserAuthInfoRequest  = 60
	MsgUserAuthInfoResponse = 61

	MsgGlobalRequest  = 80
	MsgRequestSuccess = 81
	MsgRequestFailure = 82

	MsgChannelOpen            = 90
	MsgChannelOpenConfirm     = 91
	MsgChannelOpenFailure     = 92
	MsgChannelWindowAdjust    = 93
	MsgChannelData            = 94
	MsgChannelExtendedData    = 95
	MsgChannelEOF             = 96
	MsgChannelClose           = 97
	MsgChannelRequest         = 98
	MsgChannelSuccess         = 99
	MsgChannelFailure         = 100
)

// Channel open failure reason codes, RFC 4254 §5.1.
const (
	ReasonAdministrativelyProhibited = 1
	ReasonConnectFailed              = 2
	ReasonUnknownChannelType         = 3
	ReasonResourceShortage           = 4
)

// Disconnect reason codes, RFC 4253 §11.1.
const (
	DisconnectHostNotAllowedToConnect     = 1
	DisconnectProtocolError                = 2
	DisconnectKeyExchangeFailed            = 3
	DisconnectReserved                     = 4
	DisconnectMACError                     = 5
	DisconnectCompressionError             = 6
	DisconnectServiceNotAvailable          = 7
	DisconnectProtocolVersionNotSupported  = 8
	DisconnectHostKeyNotVerifiable         = 9
	DisconnectConnectionLost               = 10
	DisconnectByApplication                = 11
	DisconnectTooManyConnections           = 12
	DisconnectAuthCancelledByUser          = 13
	DisconnectNoMoreAuthMethodsAvailable   = 14
	DisconnectIllegalUserName              = 15
)

// KexInitMsg is the SSH_MSG_KEXINIT payload, RFC 4253 §7.1.
type KexInitMsg struct {
	Cookie                  [16]byte
	KexAlgos                []string
	ServerHostKeyAlgos      []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexFollows         bool
	Reserved                uint32
}

// KexDHInitMsg is SSH_MSG_KEXDH_INIT: the client's DH public value e.
type KexDHInitMsg struct {
	E []byte // mpint
}

// KexDHReplyMsg is SSH_MSG_KEXDH_REPLY: host key, DH public value f, signature.
type KexDHReplyMsg struct {
	HostKey   []byte
	F         []byte // mpint
	Signature []byte
}

// ServiceRequestMsg is SSH_MSG_SERVICE_REQUEST.
type ServiceRequestMsg struct {
	Service string
}

// ServiceAcceptMsg is SSH_MSG_SERVICE_ACCEPT.
type ServiceAcceptMsg struct {
	Service string
}

// UserAuthRequestMsg is SSH_MSG_USERAUTH_REQUEST, RFC 4252 §5.
// Payload holds the method-specific remainder, already stripped of the
// common (user, service, method) prefix so callers can re-marshal it for
// signing without re-deriving the prefix bytes.
type UserAuthRequestMsg struct {
	User    string
	Service string
	Method  string
	Payload []byte
}

// UserAuthFailureMsg is SSH_MSG_USERAUTH_FAILURE.
type UserAuthFailureMsg struct {
	Methods    []string
	PartialSuccess bool
}

// UserAuthBannerMsg is SSH_MSG_USERAUTH_BANNER.
type UserAuthBannerMsg struct {
	Message  string
	Language string
}

// UserAuthInfoRequestMsg is SSH_MSG_USERAUTH_INFO_REQUEST (keyboard-interactive).
type UserAuthInfoRequestMsg struct {
	Name        string
	Instruction string
	Language    string
	Prompts     []Prompt
}

// Prompt is one (text, echo) pair of a keyboard-interactive info request.
type Prompt struct {
	Text string
	Echo bool
}

// UserAuthInfoResponseMsg is SSH_MSG_USERAUTH_INFO_RESPONSE.
type UserAuthInfoResponseMsg struct {
	Responses []string
}

// GlobalRequestMsg is SSH_MSG_GLOBAL_REQUEST.
type GlobalRequestMsg struct {
	Type      string
	WantReply bool
	Payload   []byte
}

// ChannelOpenMsg is SSH_MSG_CHANNEL_OPEN.
type ChannelOpenMsg struct {
	ChanType      string
	PeersID       uint32
	PeersWindow   uint32
	MaxPacketSize uint32
	TypeSpecific  []byte
}

// ChannelOpenConfirmMsg is SSH_MSG_CHANNEL_OPEN_CONFIRMATION.
type ChannelOpenConfirmMsg struct {
	PeersID       uint32
	MyID          uint32
	MyWindow      uint32
	MaxPacketSize uint32
}

// ChannelOpenFailureMsg is SSH_MSG_CHANNEL_OPEN_FAILURE.
type ChannelOpenFailureMsg struct {
	PeersID  uint32
	Reason   uint32
	Message  string
	Language string
}

// ChannelWindowAdjustMsg is SSH_MSG_CHANNEL_WINDOW_ADJUST.
type ChannelWindowAdjustMsg struct {
	PeersID         uint32
	AdditionalBytes uint32
}

// ChannelDataMsg is SSH_MSG_CHANNEL_DATA.
type ChannelDataMsg struct {
	PeersID uint32
	Data    []byte
}

// ChannelExtendedDataMsg is SSH_MSG_CHANNEL_EXTENDED_DATA. DataTypeCode 1
// is SSH_EXTENDED_DATA_STDERR, RFC 4254 §5.2's only currently assigned type.
type ChannelExtendedDataMsg struct {
	PeersID      uint32
	DataTypeCode uint32
	Data         []byte
}

// ChannelEOFMsg is SSH_MSG_CHANNEL_EOF.
type ChannelEOFMsg struct {
	PeersID uint32
}

// ChannelCloseMsg is SSH_MSG_CHANNEL_CLOSE.
type ChannelCloseMsg struct {
	PeersID uint32
}

// ChannelSuccessMsg is SSH_MSG_CHANNEL_SUCCESS, the positive reply to a
// SSH_MSG_CHANNEL_REQUEST that set want_reply.
type ChannelSuccessMsg struct {
	PeersID uint32
}

// ChannelFailureMsg is SSH_MSG_CHANNEL_FAILURE, the negative reply.
type ChannelFailureMsg struct {
	PeersID uint32
}

// RequestSuccessMsg is SSH_MSG_REQUEST_SUCCESS, the positive reply to a
// SSH_MSG_GLOBAL_REQUEST. Payload carries request-specific data — for
// "tcpip-forward" with a requested port of 0, the server-assigned port
// (RFC 4254 §7.1).
type RequestSuccessMsg struct {
	Payload []byte
}

// RequestFailureMsg is SSH_MSG_REQUEST_FAILURE, the negative reply.
type RequestFailureMsg struct{}

// IgnoreMsg is SSH_MSG_IGNORE, RFC 4253 §11.2: data MUST be ignored by the
// receiver, carried only to obscure packet timing/size.
type IgnoreMsg struct {
	Data []byte
}

// DebugMsg is SSH_MSG_DEBUG, RFC 4253 §11.3.
type DebugMsg struct {
	AlwaysDisplay bool
	Message       string
	Language      string
}

// UnimplementedMsg is SSH_MSG_UNIMPLEMENTED, RFC 4253 §11.4.
type UnimplementedMsg struct {
	SeqNum uint32
}

// ChannelRequestMsg is SSH_MSG_CHANNEL_REQUEST.
type ChannelRequestMsg struct {
	PeersID   uint32
	Request   string
	WantReply bool
	Payload   []byte
}

// DisconnectMsg is SSH_MSG_DISCONNECT.
type DisconnectMsg struct {
	Reason   uint32
	Message  string
	Language string
}

// DirectTCPIPExtra is the type-specific data of a "direct-tcpip" channel open.
type DirectTCPIPExtra struct {
	Host           string
	Port           uint32
	OriginatorAddr string
	OriginatorPort uint32
}

// ForwardedTCPIPExtra is the type-specific data of a "forwarded-tcpip" channel open.
type ForwardedTCPIPExtra struct {
	ConnectedAddr  string
	ConnectedPort  uint32
	OriginatorAddr string
	OriginatorPort uint32
}
