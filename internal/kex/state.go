package kex

// State is the Key Exchanger's state, spec.md §4.3.
type State int

const (
	// Idle: no exchange in progress; an inbound KEXINIT here means the peer
	// initiated a rekey.
	Idle State = iota
	// InitiatedByClient: ExecKeyExchange sent our KEXINIT and is waiting for
	// the peer's.
	InitiatedByClient
	// InitiatedByServer: the peer's KEXINIT arrived while Idle; our own
	// KEXINIT and the rest of the exchange are running on a spawned goroutine.
	InitiatedByServer
	// KexInitReceived: both KEXINITs are in hand, algorithms negotiated,
	// about to send SSH_MSG_KEXDH_INIT.
	KexInitReceived
	// WaitKexDHReply: SSH_MSG_KEXDH_INIT sent, waiting for the server's reply.
	WaitKexDHReply
	// WaitNewKeys: our SSH_MSG_NEWKEYS sent (outbound cipher swapped),
	// waiting for the peer's SSH_MSG_NEWKEYS.
	WaitNewKeys
	// WaitUpdateCipher briefly marks the window between receiving the peer's
	// SSH_MSG_NEWKEYS and finishing the inbound cipher swap.
	WaitUpdateCipher
	// Failed: the exchange aborted; the connection is being torn down.
	Failed
	// ConnectionClosed: the underlying connection is gone.
	ConnectionClosed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case InitiatedByClient:
		return "InitiatedByClient"
	case InitiatedByServer:
		return "InitiatedByServer"
	case KexInitReceived:
		return "KexInitReceived"
	case WaitKexDHReply:
		return "WaitKexDHReply"
	case WaitNewKeys:
		return "WaitNewKeys"
	case WaitUpdateCipher:
		return "WaitUpdateCipher"
	case Failed:
		return "Failed"
	case ConnectionClosed:
		return "ConnectionClosed"
	default:
		return "Unknown"
	}
}
