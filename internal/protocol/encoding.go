package protocol

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
)

// UnexpectedMessageError results when a received message type didn't match
// what the caller was waiting for.
type UnexpectedMessageError struct {
	Expected, Got byte
}

func (e UnexpectedMessageError) Error() string {
	return fmt.Sprintf("sshcore: unexpected message type %d (expected %d)", e.Got, e.Expected)
}

// ParseError results from a malformed SSH message body.
type ParseError struct {
	MsgType byte
}

func (e ParseError) Error() string {
	return fmt.Sprintf("sshcore: parse error in message type %d", e.MsgType)
}

// reader walks a packet payload left to right, the way the teacher's
// internal/ssh/channels.go parseDirectTCPIPExtra walks direct-tcpip extra
// data by hand; every message type here is decoded with the same pattern
// instead of a reflection-based decoder, so malformed input fails a single,
// auditable bounds check per field rather than panicking on reflection
// internals.
type reader struct {
	b   []byte
	err error
}

func newReader(b []byte) *reader { return &reader{b: b} }

func (r *reader) fail() {
	if r.err == nil {
		r.err = ParseError{}
	}
}

func (r *reader) byte() byte {
	if len(r.b) < 1 {
		r.fail()
		return 0
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v
}

func (r *reader) bool() bool { return r.byte() != 0 }

func (r *reader) uint32() uint32 {
	if len(r.b) < 4 {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v
}

// fixed reads exactly n bytes, failing if fewer remain.
func (r *reader) fixed(n int) []byte {
	if len(r.b) < n {
		r.fail()
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *reader) bytes() []byte {
	n := r.uint32()
	if r.err != nil {
		return nil
	}
	if uint32(len(r.b)) < n {
		r.fail()
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *reader) string() string { return string(r.bytes()) }

func (r *reader) nameList() []string {
	s := r.string()
	if r.err != nil || s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func (r *reader) mpint() *big.Int {
	b := r.bytes()
	if r.err != nil {
		return nil
	}
	return new(big.Int).SetBytes(b)
}

func (r *reader) rest() []byte { return r.b }

// writer accumulates a packet payload left to right.
type writer struct {
	b []byte
}

func (w *writer) byte(v byte)   { w.b = append(w.b, v) }
func (w *writer) bool(v bool)   { if v { w.byte(1) } else { w.byte(0) } }
func (w *writer) uint32(v uint32) {
	w.b = append(w.b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
func (w *writer) bytes(v []byte) {
	w.uint32(uint32(len(v)))
	w.b = append(w.b, v...)
}
func (w *writer) string(v string) { w.bytes([]byte(v)) }
func (w *writer) nameList(v []string) { w.string(strings.Join(v, ",")) }

// mpint encodes a big.Int per RFC 4251 §5: two's-complement, minimal length,
// with a leading zero byte inserted when the high bit of the first byte
// would otherwise be set (so the value is never read back as negative).
func (w *writer) mpint(v *big.Int) {
	if v.Sign() == 0 {
		w.uint32(0)
		return
	}
	b := v.Bytes()
	if b[0]&0x80 != 0 {
		w.uint32(uint32(len(b) + 1))
		w.b = append(w.b, 0)
		w.b = append(w.b, b...)
		return
	}
	w.uint32(uint32(len(b)))
	w.b = append(w.b, b...)
}

// WriteString length-prefixes a byte string per RFC 4251 §5, exported for
// callers (key exchange hashing, auth signature construction) that build a
// hash/signature input out of several length-prefixed fields directly.
func WriteString(buf []byte, s []byte) []byte {
	w := &writer{b: buf}
	w.bytes(s)
	return w.b
}

// WriteMPInt length-prefixes a big.Int per RFC 4251 §5.
func WriteMPInt(buf []byte, v *big.Int) []byte {
	w := &writer{b: buf}
	w.mpint(v)
	return w.b
}

// WriteUint32 appends a big-endian uint32.
func WriteUint32(buf []byte, v uint32) []byte {
	w := &writer{b: buf}
	w.uint32(v)
	return w.b
}

// --- per-message marshal/unmarshal ---

// Marshal encodes msg with a leading opcode byte.
func Marshal(msgType byte, msg any) []byte {
	w := &writer{b: []byte{msgType}}
	switch m := msg.(type) {
	case KexInitMsg:
		w.b = append(w.b, m.Cookie[:]...)
		w.nameList(m.KexAlgos)
		w.nameList(m.ServerHostKeyAlgos)
		w.nameList(m.CiphersClientServer)
		w.nameList(m.CiphersServerClient)
		w.nameList(m.MACsClientServer)
		w.nameList(m.MACsServerClient)
		w.nameList(m.CompressionClientServer)
		w.nameList(m.CompressionServerClient)
		w.nameList(m.LanguagesClientServer)
		w.nameList(m.LanguagesServerClient)
		w.bool(m.FirstKexFollows)
		w.uint32(m.Reserved)
	case KexDHInitMsg:
		w.mpint(new(big.Int).SetBytes(m.E))
	case KexDHReplyMsg:
		w.bytes(m.HostKey)
		w.mpint(new(big.Int).SetBytes(m.F))
		w.bytes(m.Signature)
	case ServiceRequestMsg:
		w.string(m.Service)
	case ServiceAcceptMsg:
		w.string(m.Service)
	case UserAuthRequestMsg:
		w.string(m.User)
		w.string(m.Service)
		w.string(m.Method)
		w.b = append(w.b, m.Payload...)
	case UserAuthFailureMsg:
		w.nameList(m.Methods)
		w.bool(m.PartialSuccess)
	case UserAuthBannerMsg:
		w.string(m.Message)
		w.string(m.Language)
	case UserAuthInfoRequestMsg:
		w.string(m.Name)
		w.string(m.Instruction)
		w.string(m.Language)
		w.uint32(uint32(len(m.Prompts)))
		for _, p := range m.Prompts {
			w.string(p.Text)
			w.bool(p.Echo)
		}
	case UserAuthInfoResponseMsg:
		w.uint32(uint32(len(m.Responses)))
		for _, r := range m.Responses {
			w.string(r)
		}
	case GlobalRequestMsg:
		w.string(m.Type)
		w.bool(m.WantReply)
		w.b = append(w.b, m.Payload...)
	case ChannelOpenMsg:
		w.string(m.ChanType)
		w.uint32(m.PeersID)
		w.uint32(m.PeersWindow)
		w.uint32(m.MaxPacketSize)
		w.b = append(w.b, m.TypeSpecific...)
	case ChannelOpenConfirmMsg:
		w.uint32(m.PeersID)
		w.uint32(m.MyID)
		w.uint32(m.MyWindow)
		w.uint32(m.MaxPacketSize)
	case ChannelOpenFailureMsg:
		w.uint32(m.PeersID)
		w.uint32(m.Reason)
		w.string(m.Message)
		w.string(m.Language)
	case ChannelWindowAdjustMsg:
		w.uint32(m.PeersID)
		w.uint32(m.AdditionalBytes)
	case ChannelDataMsg:
		w.uint32(m.PeersID)
		w.bytes(m.Data)
	case ChannelExtendedDataMsg:
		w.uint32(m.PeersID)
		w.uint32(m.DataTypeCode)
		w.bytes(m.Data)
	case ChannelEOFMsg:
		w.uint32(m.PeersID)
	case ChannelCloseMsg:
		w.uint32(m.PeersID)
	case ChannelRequestMsg:
		w.uint32(m.PeersID)
		w.string(m.Request)
		w.bool(m.WantReply)
		w.b = append(w.b, m.Payload...)
	case DisconnectMsg:
		w.uint32(m.Reason)
		w.string(m.Message)
		w.string(m.Language)
	case ChannelSuccessMsg:
		w.uint32(m.PeersID)
	case ChannelFailureMsg:
		w.uint32(m.PeersID)
	case RequestSuccessMsg:
		w.b = append(w.b, m.Payload...)
	case RequestFailureMsg:
	case IgnoreMsg:
		w.bytes(m.Data)
	case DebugMsg:
		w.bool(m.AlwaysDisplay)
		w.string(m.Message)
		w.string(m.Language)
	case UnimplementedMsg:
		w.uint32(m.SeqNum)
	case DirectTCPIPExtra:
		w.string(m.Host)
		w.uint32(m.Port)
		w.string(m.OriginatorAddr)
		w.uint32(m.OriginatorPort)
	case ForwardedTCPIPExtra:
		w.string(m.ConnectedAddr)
		w.uint32(m.ConnectedPort)
		w.string(m.OriginatorAddr)
		w.uint32(m.OriginatorPort)
	default:
		panic(fmt.Sprintf("sshcore: marshal: unhandled type %T", msg))
	}
	return w.b
}

// MarshalExtra encodes a channel-open type-specific payload (DirectTCPIPExtra
// or ForwardedTCPIPExtra) with no leading opcode byte, for embedding as
// ChannelOpenMsg.TypeSpecific.
func MarshalExtra(msg any) []byte {
	w := &writer{}
	switch m := msg.(type) {
	case DirectTCPIPExtra:
		w.string(m.Host)
		w.uint32(m.Port)
		w.string(m.OriginatorAddr)
		w.uint32(m.OriginatorPort)
	case ForwardedTCPIPExtra:
		w.string(m.ConnectedAddr)
		w.uint32(m.ConnectedPort)
		w.string(m.OriginatorAddr)
		w.uint32(m.OriginatorPort)
	default:
		panic(fmt.Sprintf("sshcore: marshal extra: unhandled type %T", msg))
	}
	return w.b
}

func checkType(packet []byte, want byte) (*reader, error) {
	if len(packet) == 0 {
		return nil, ParseError{}
	}
	if packet[0] != want {
		return nil, UnexpectedMessageError{Expected: want, Got: packet[0]}
	}
	return newReader(packet[1:]), nil
}

func UnmarshalKexInit(packet []byte) (KexInitMsg, error) {
	r, err := checkType(packet, MsgKexInit)
	if err != nil {
		return KexInitMsg{}, err
	}
	var m KexInitMsg
	copy(m.Cookie[:], r.fixed(16))
	m.KexAlgos = r.nameList()
	m.ServerHostKeyAlgos = r.nameList()
	m.CiphersClientServer = r.nameList()
	m.CiphersServerClient = r.nameList()
	m.MACsClientServer = r.nameList()
	m.MACsServerClient = r.nameList()
	m.CompressionClientServer = r.nameList()
	m.CompressionServerClient = r.nameList()
	m.LanguagesClientServer = r.nameList()
	m.LanguagesServerClient = r.nameList()
	m.FirstKexFollows = r.bool()
	m.Reserved = r.uint32()
	if r.err != nil {
		return KexInitMsg{}, ParseError{MsgType: MsgKexInit}
	}
	return m, nil
}

func UnmarshalKexDHReply(packet []byte) (KexDHReplyMsg, error) {
	r, err := checkType(packet, MsgKexDHReply)
	if err != nil {
		return KexDHReplyMsg{}, err
	}
	var m KexDHReplyMsg
	m.HostKey = r.bytes()
	if f := r.mpint(); f != nil {
		m.F = f.Bytes()
	}
	m.Signature = r.bytes()
	if r.err != nil {
		return KexDHReplyMsg{}, ParseError{MsgType: MsgKexDHReply}
	}
	return m, nil
}

func UnmarshalServiceAccept(packet []byte) (ServiceAcceptMsg, error) {
	r, err := checkType(packet, MsgServiceAccept)
	if err != nil {
		return ServiceAcceptMsg{}, err
	}
	m := ServiceAcceptMsg{Service: r.string()}
	if r.err != nil {
		return ServiceAcceptMsg{}, ParseError{MsgType: MsgServiceAccept}
	}
	return m, nil
}

func UnmarshalUserAuthFailure(packet []byte) (UserAuthFailureMsg, error) {
	r, err := checkType(packet, MsgUserAuthFailure)
	if err != nil {
		return UserAuthFailureMsg{}, err
	}
	m := UserAuthFailureMsg{Methods: r.nameList(), PartialSuccess: r.bool()}
	if r.err != nil {
		return UserAuthFailureMsg{}, ParseError{MsgType: MsgUserAuthFailure}
	}
	return m, nil
}

func UnmarshalUserAuthBanner(packet []byte) (UserAuthBannerMsg, error) {
	r, err := checkType(packet, MsgUserAuthBanner)
	if err != nil {
		return UserAuthBannerMsg{}, err
	}
	m := UserAuthBannerMsg{Message: r.string(), Language: r.string()}
	if r.err != nil {
		return UserAuthBannerMsg{}, ParseError{MsgType: MsgUserAuthBanner}
	}
	return m, nil
}

func UnmarshalUserAuthInfoRequest(packet []byte) (UserAuthInfoRequestMsg, error) {
	r, err := checkType(packet, MsgUserAuthInfoRequest)
	if err != nil {
		return UserAuthInfoRequestMsg{}, err
	}
	var m UserAuthInfoRequestMsg
	m.Name = r.string()
	m.Instruction = r.string()
	m.Language = r.string()
	n := r.uint32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		m.Prompts = append(m.Prompts, Prompt{Text: r.string(), Echo: r.bool()})
	}
	if r.err != nil {
		return UserAuthInfoRequestMsg{}, ParseError{MsgType: MsgUserAuthInfoRequest}
	}
	return m, nil
}

func UnmarshalGlobalRequest(packet []byte) (GlobalRequestMsg, error) {
	r, err := checkType(packet, MsgGlobalRequest)
	if err != nil {
		return GlobalRequestMsg{}, err
	}
	m := GlobalRequestMsg{Type: r.string(), WantReply: r.bool(), Payload: r.rest()}
	if r.err != nil {
		return GlobalRequestMsg{}, ParseError{MsgType: MsgGlobalRequest}
	}
	return m, nil
}

func UnmarshalChannelOpen(packet []byte) (ChannelOpenMsg, error) {
	r, err := checkType(packet, MsgChannelOpen)
	if err != nil {
		return ChannelOpenMsg{}, err
	}
	m := ChannelOpenMsg{
		ChanType:      r.string(),
		PeersID:       r.uint32(),
		PeersWindow:   r.uint32(),
		MaxPacketSize: r.uint32(),
		TypeSpecific:  r.rest(),
	}
	if r.err != nil {
		return ChannelOpenMsg{}, ParseError{MsgType: MsgChannelOpen}
	}
	return m, nil
}

func UnmarshalChannelOpenConfirm(packet []byte) (ChannelOpenConfirmMsg, error) {
	r, err := checkType(packet, MsgChannelOpenConfirm)
	if err != nil {
		return ChannelOpenConfirmMsg{}, err
	}
	m := ChannelOpenConfirmMsg{PeersID: r.uint32(), MyID: r.uint32(), MyWindow: r.uint32(), MaxPacketSize: r.uint32()}
	if r.err != nil {
		return ChannelOpenConfirmMsg{}, ParseError{MsgType: MsgChannelOpenConfirm}
	}
	return m, nil
}

func UnmarshalChannelOpenFailure(packet []byte) (ChannelOpenFailureMsg, error) {
	r, err := checkType(packet, MsgChannelOpenFailure)
	if err != nil {
		return ChannelOpenFailureMsg{}, err
	}
	m := ChannelOpenFailureMsg{PeersID: r.uint32(), Reason: r.uint32(), Message: r.string(), Language: r.string()}
	if r.err != nil {
		return ChannelOpenFailureMsg{}, ParseError{MsgType: MsgChannelOpenFailure}
	}
	return m, nil
}

func UnmarshalChannelWindowAdjust(packet []byte) (ChannelWindowAdjustMsg, error) {
	r, err := checkType(packet, MsgChannelWindowAdjust)
	if err != nil {
		return ChannelWindowAdjustMsg{}, err
	}
	m := ChannelWindowAdjustMsg{PeersID: r.uint32(), AdditionalBytes: r.uint32()}
	if r.err != nil {
		return ChannelWindowAdjustMsg{}, ParseError{MsgType: MsgChannelWindowAdjust}
	}
	return m, nil
}

func UnmarshalChannelData(packet []byte) (ChannelDataMsg, error) {
	r, err := checkType(packet, MsgChannelData)
	if err != nil {
		return ChannelDataMsg{}, err
	}
	m := ChannelDataMsg{PeersID: r.uint32(), Data: r.bytes()}
	if r.err != nil {
		return ChannelDataMsg{}, ParseError{MsgType: MsgChannelData}
	}
	return m, nil
}

func UnmarshalChannelExtendedData(packet []byte) (ChannelExtendedDataMsg, error) {
	r, err := checkType(packet, MsgChannelExtendedData)
	if err != nil {
		return ChannelExtendedDataMsg{}, err
	}
	m := ChannelExtendedDataMsg{PeersID: r.uint32(), DataTypeCode: r.uint32(), Data: r.bytes()}
	if r.err != nil {
		return ChannelExtendedDataMsg{}, ParseError{MsgType: MsgChannelExtendedData}
	}
	return m, nil
}

func UnmarshalChannelRequest(packet []byte) (ChannelRequestMsg, error) {
	r, err := checkType(packet, MsgChannelRequest)
	if err != nil {
		return ChannelRequestMsg{}, err
	}
	m := ChannelRequestMsg{PeersID: r.uint32(), Request: r.string(), WantReply: r.bool(), Payload: r.rest()}
	if r.err != nil {
		return ChannelRequestMsg{}, ParseError{MsgType: MsgChannelRequest}
	}
	return m, nil
}

func UnmarshalChannelEOF(packet []byte) (ChannelEOFMsg, error) {
	r, err := checkType(packet, MsgChannelEOF)
	if err != nil {
		return ChannelEOFMsg{}, err
	}
	return ChannelEOFMsg{PeersID: r.uint32()}, nil
}

func UnmarshalChannelClose(packet []byte) (ChannelCloseMsg, error) {
	r, err := checkType(packet, MsgChannelClose)
	if err != nil {
		return ChannelCloseMsg{}, err
	}
	return ChannelCloseMsg{PeersID: r.uint32()}, nil
}

func UnmarshalChannelSuccess(packet []byte) (ChannelSuccessMsg, error) {
	r, err := checkType(packet, MsgChannelSuccess)
	if err != nil {
		return ChannelSuccessMsg{}, err
	}
	return ChannelSuccessMsg{PeersID: r.uint32()}, nil
}

func UnmarshalChannelFailure(packet []byte) (ChannelFailureMsg, error) {
	r, err := checkType(packet, MsgChannelFailure)
	if err != nil {
		return ChannelFailureMsg{}, err
	}
	return ChannelFailureMsg{PeersID: r.uint32()}, nil
}

func UnmarshalRequestSuccess(packet []byte) (RequestSuccessMsg, error) {
	r, err := checkType(packet, MsgRequestSuccess)
	if err != nil {
		return RequestSuccessMsg{}, err
	}
	return RequestSuccessMsg{Payload: r.rest()}, nil
}

func UnmarshalIgnore(packet []byte) (IgnoreMsg, error) {
	r, err := checkType(packet, MsgIgnore)
	if err != nil {
		return IgnoreMsg{}, err
	}
	m := IgnoreMsg{Data: r.bytes()}
	if r.err != nil {
		return IgnoreMsg{}, ParseError{MsgType: MsgIgnore}
	}
	return m, nil
}

func UnmarshalDebug(packet []byte) (DebugMsg, error) {
	r, err := checkType(packet, MsgDebug)
	if err != nil {
		return DebugMsg{}, err
	}
	m := DebugMsg{AlwaysDisplay: r.bool(), Message: r.string(), Language: r.string()}
	if r.err != nil {
		return DebugMsg{}, ParseError{MsgType: MsgDebug}
	}
	return m, nil
}

func UnmarshalDisconnect(packet []byte) (DisconnectMsg, error) {
	r, err := checkType(packet, MsgDisconnect)
	if err != nil {
		return DisconnectMsg{}, err
	}
	m := DisconnectMsg{Reason: r.uint32(), Message: r.string(), Language: r.string()}
	if r.err != nil {
		return DisconnectMsg{}, ParseError{MsgType: MsgDisconnect}
	}
	return m, nil
}

func UnmarshalDirectTCPIPExtra(b []byte) (DirectTCPIPExtra, error) {
	r := newReader(b)
	m := DirectTCPIPExtra{Host: r.string(), Port: r.uint32(), OriginatorAddr: r.string(), OriginatorPort: r.uint32()}
	if r.err != nil {
		return DirectTCPIPExtra{}, ParseError{}
	}
	return m, nil
}

func UnmarshalForwardedTCPIPExtra(b []byte) (ForwardedTCPIPExtra, error) {
	r := newReader(b)
	m := ForwardedTCPIPExtra{ConnectedAddr: r.string(), ConnectedPort: r.uint32(), OriginatorAddr: r.string(), OriginatorPort: r.uint32()}
	if r.err != nil {
		return ForwardedTCPIPExtra{}, ParseError{}
	}
	return m, nil
}

// BuildDataSignedForAuth returns the data signed to prove possession of a
// private key for publickey authentication, RFC 4252 §7:
// string(session id) || byte(SSH_MSG_USERAUTH_REQUEST) || string(user) ||
// string(service) || string("publickey") || boolean(true) ||
// string(algorithm) || string(public key blob).
func BuildDataSignedForAuth(sessionID []byte, user, service, algo string, pubKeyBlob []byte) []byte {
	var buf []byte
	buf = WriteString(buf, sessionID)
	buf = append(buf, MsgUserAuthRequest)
	buf = WriteString(buf, []byte(user))
	buf = WriteString(buf, []byte(service))
	buf = WriteString(buf, []byte("publickey"))
	buf = append(buf, 1)
	buf = WriteString(buf, []byte(algo))
	buf = WriteString(buf, pubKeyBlob)
	return buf
}
