package ssh

import (
	"time"

	"golang.org/x/crypto/ssh/agent"

	"sshcore/internal/auth"
	"sshcore/internal/cipherset"
	"sshcore/internal/kex"
)

// Re-exports of the external-collaborator types a caller needs to build a
// Config, so nothing outside sshcore/internal needs importing directly.
type (
	Method                      = auth.Method
	Signer                      = auth.Signer
	PublicKey                   = auth.PublicKey
	Prompt                      = auth.Prompt
	BannerCallback              = auth.BannerCallback
	KeyboardInteractiveCallback = auth.KeyboardInteractiveCallback
	HostKeyCallback             = kex.HostKeyCallback
)

// Password, PublicKeyMethod and KeyboardInteractive build the Method values
// Config.Auth lists, RFC 4252 §8/§7 and RFC 4256.
var (
	Password            = auth.Password
	PublicKeyMethod     = auth.PublicKeyMethod
	KeyboardInteractive = auth.KeyboardInteractive
)

// Config configures a client connection end to end: who authenticates as
// whom, which algorithms are offered, and the callbacks the connection
// reports unsolicited server activity through.
type Config struct {
	// User is the RFC 4252 §5 username authentication is attempted as.
	User string
	// Auth lists the methods ExecAuthentication tries in order.
	Auth []Method
	// HostKeyCallback verifies the server's host key at the end of the
	// first key exchange; rekeys do not call it again. Required —
	// Connect/Dial refuse a nil callback.
	HostKeyCallback HostKeyCallback
	// BannerCallback, if set, receives SSH_MSG_USERAUTH_BANNER text.
	BannerCallback BannerCallback
	// AgentProvider, if non-nil, answers inbound auth-agent@openssh.com
	// channel opens. Leave nil to refuse agent forwarding.
	AgentProvider agent.Agent

	// KexAlgos/HostKeyAlgos/CipherAlgos/MACAlgos override the client's
	// algorithm preference lists; a nil slice keeps the built-in default
	// for that list.
	KexAlgos     []string
	HostKeyAlgos []string
	CipherAlgos  []string
	MACAlgos     []string

	// Timeout bounds every blocking wait for a peer response during key
	// exchange and authentication. Zero uses each package's own default
	// (5s). Port-forwarding global requests always wait up to
	// portforward.DefaultTimeout (5s), whatever this is set to.
	Timeout time.Duration

	// VersionEOL is the line ending sent after the SSH-2.0 identification
	// string, RFC 4253 §4.2. Zero defaults to "\r\n".
	VersionEOL string

	// OnIgnore, OnDebug and OnDisconnect surface RFC 4253 §11 messages the
	// connection's default dispatch doesn't otherwise act on.
	OnIgnore     func(data []byte)
	OnDebug      func(alwaysDisplay bool, message, language string)
	OnDisconnect func(reason uint32, message string)
	// OnAuthComplete, if set, is the completion event spec.md §4.4
	// describes for keyboard-interactive: fired once, on an arbitrary
	// goroutine, when a Connect call that returned early with
	// AuthAwaitingPromptResponse finishes authenticating, success or
	// failure. It is never called for password/public-key authentication,
	// which Connect already waits for before returning.
	OnAuthComplete func(success bool, err error)
	// OnUnknown is offered any inbound packet no interceptor claimed and
	// default dispatch has no rule for.
	OnUnknown func(payload []byte)
}

func (cfg *Config) setDefaults() {
	if cfg.VersionEOL == "" {
		cfg.VersionEOL = "\r\n"
	}
}

// kexConfig builds the internal/kex Config this Config requests, falling
// back to cipherset/kex package defaults for every unset list.
func (cfg *Config) kexConfig() kex.Config {
	kc := kex.DefaultConfig(cfg.HostKeyCallback)
	if len(cfg.KexAlgos) > 0 {
		kc.KexAlgos = cfg.KexAlgos
	}
	if len(cfg.HostKeyAlgos) > 0 {
		kc.HostKeyAlgos = cfg.HostKeyAlgos
	}
	if len(cfg.CipherAlgos) > 0 {
		kc.CipherAlgos = cfg.CipherAlgos
	} else {
		kc.CipherAlgos = cipherset.DefaultCipherOrder
	}
	if len(cfg.MACAlgos) > 0 {
		kc.MACAlgos = cfg.MACAlgos
	} else {
		kc.MACAlgos = cipherset.DefaultMACOrder
	}
	if cfg.Timeout > 0 {
		kc.Timeout = cfg.Timeout
	}
	return kc
}

func (cfg *Config) authConfig() auth.Config {
	ac := auth.Config{Methods: cfg.Auth, BannerCallback: cfg.BannerCallback}
	if cfg.Timeout > 0 {
		ac.Timeout = cfg.Timeout
	}
	return ac
}
