package auth

import (
	"context"
	"fmt"

	"sshcore/internal/protocol"
)

// Prompt is one (text, echo) pair of a keyboard-interactive info request,
// RFC 4256 §3.2.
type Prompt = protocol.Prompt

// KeyboardInteractiveCallback answers one round of keyboard-interactive
// prompts. It runs synchronously on the background goroutine
// ExecAuthentication spawns for a keyboard-interactive method (never on the
// goroutine that called ExecAuthentication itself — that one has already
// returned ErrAwaitingPromptResponse by the time the callback runs) and is
// not subject to Config.Timeout — only the network round trips around it
// are.
type KeyboardInteractiveCallback func(name, instruction string, prompts []Prompt) (answers []string, err error)

// Method is one authentication method the Authenticator can attempt, in
// the RFC 4252 §5.2 method-name space.
type Method interface {
	name() string
	// auth drives the method's full request/response cycle and reports
	// either success, or the methods the server says remain acceptable
	// (from SSH_MSG_USERAUTH_FAILURE) so ExecAuthentication can decide
	// whether a later configured method is still worth trying.
	auth(ctx context.Context, a *Authenticator, user string) (ok bool, methodsLeft []string, err error)
}

type passwordMethod struct {
	password func() (string, error)
}

// Password returns a Method that authenticates with a fixed password, RFC
// 4252 §8.
func Password(password string) Method {
	return &passwordMethod{password: func() (string, error) { return password, nil }}
}

func (m *passwordMethod) name() string { return "password" }

func (m *passwordMethod) auth(ctx context.Context, a *Authenticator, user string) (bool, []string, error) {
	pw, err := m.password()
	if err != nil {
		return false, nil, err
	}
	full := a.armForOutcome(protocol.MsgUserAuthSuccess, protocol.MsgUserAuthFailure)
	if err := a.framer.Send(buildUserAuthRequest(user, m.name(), passwordPayload(pw))); err != nil {
		return false, nil, err
	}
	resp, err := a.waitOutcome(ctx, full)
	if err != nil {
		return false, nil, err
	}
	return decodeOutcome(resp)
}

type publicKeyMethod struct {
	signer Signer
}

// PublicKeyMethod returns a Method that authenticates by proving possession
// of signer's private key, RFC 4252 §7: an unsigned probe first (to learn
// whether the server will accept this key at all before committing to a
// signature), then the signed request.
func PublicKeyMethod(signer Signer) Method {
	return &publicKeyMethod{signer: signer}
}

func (m *publicKeyMethod) name() string { return "publickey" }

func (m *publicKeyMethod) auth(ctx context.Context, a *Authenticator, user string) (bool, []string, error) {
	pub := m.signer.PublicKey()
	algo := pub.Type()
	blob := pub.Marshal()

	probeFull := a.armForOutcome(protocol.MsgUserAuthPKOK, protocol.MsgUserAuthFailure)
	probeBody := publicKeyRequestPayload(algo, blob, false, nil)
	if err := a.framer.Send(buildUserAuthRequest(user, m.name(), probeBody)); err != nil {
		return false, nil, err
	}
	probeResp, err := a.waitOutcome(ctx, probeFull)
	if err != nil {
		return false, nil, err
	}
	if probeResp[0] == protocol.MsgUserAuthFailure {
		return decodeOutcome(probeResp)
	}
	// probeResp[0] == MsgUserAuthPKOK: the server will accept a signature
	// over this key, proceed to sign the real request.

	signInput := protocol.BuildDataSignedForAuth(a.sessionID, user, "ssh-connection", algo, blob)
	sigFormat, sig, err := m.signer.Sign(signInput)
	if err != nil {
		return false, nil, err
	}
	sigBlob := marshalSignature(sigFormat, sig)

	signedFull := a.armForOutcome(protocol.MsgUserAuthSuccess, protocol.MsgUserAuthFailure)
	signedBody := publicKeyRequestPayload(algo, blob, true, sigBlob)
	if err := a.framer.Send(buildUserAuthRequest(user, m.name(), signedBody)); err != nil {
		return false, nil, err
	}
	resp, err := a.waitOutcome(ctx, signedFull)
	if err != nil {
		return false, nil, err
	}
	return decodeOutcome(resp)
}

type keyboardInteractiveMethod struct {
	callback KeyboardInteractiveCallback
}

// KeyboardInteractive returns a Method that drives the RFC 4256
// prompt/response loop via callback, answering as many rounds of
// SSH_MSG_USERAUTH_INFO_REQUEST as the server sends before it decides.
func KeyboardInteractive(callback KeyboardInteractiveCallback) Method {
	return &keyboardInteractiveMethod{callback: callback}
}

func (m *keyboardInteractiveMethod) name() string { return "keyboard-interactive" }

// blocksOnUser marks keyboardInteractiveMethod as an asyncMethod (auth.go):
// its auth() call may block indefinitely on the caller-supplied
// KeyboardInteractiveCallback, so ExecAuthentication runs it on its own
// goroutine rather than on the goroutine that called ExecAuthentication.
func (m *keyboardInteractiveMethod) blocksOnUser() bool { return true }

func (m *keyboardInteractiveMethod) auth(ctx context.Context, a *Authenticator, user string) (bool, []string, error) {
	full := a.armForOutcome(protocol.MsgUserAuthInfoRequest, protocol.MsgUserAuthSuccess, protocol.MsgUserAuthFailure)
	body := keyboardInteractiveRequestPayload("", "")
	if err := a.framer.Send(buildUserAuthRequest(user, m.name(), body)); err != nil {
		return false, nil, err
	}

	for {
		resp, err := a.waitOutcome(ctx, full)
		if err != nil {
			return false, nil, err
		}
		switch resp[0] {
		case protocol.MsgUserAuthSuccess, protocol.MsgUserAuthFailure:
			return decodeOutcome(resp)
		case protocol.MsgUserAuthInfoRequest:
			req, err := protocol.UnmarshalUserAuthInfoRequest(resp)
			if err != nil {
				return false, nil, err
			}
			answers, err := m.callback(req.Name, req.Instruction, req.Prompts)
			if err != nil {
				return false, nil, err
			}
			full = a.armForOutcome(protocol.MsgUserAuthInfoRequest, protocol.MsgUserAuthSuccess, protocol.MsgUserAuthFailure)
			respPayload := protocol.Marshal(protocol.MsgUserAuthInfoResponse, protocol.UserAuthInfoResponseMsg{Responses: answers})
			if err := a.framer.Send(respPayload); err != nil {
				return false, nil, err
			}
		default:
			return false, nil, fmt.Errorf("sshcore: auth: unexpected message %d during keyboard-interactive", resp[0])
		}
	}
}

// --- payload builders, RFC 4252 §5/§7/§8 and RFC 4256 §3.1/§3.2 ---

func buildUserAuthRequest(user, method string, methodPayload []byte) []byte {
	return protocol.Marshal(protocol.MsgUserAuthRequest, protocol.UserAuthRequestMsg{
		User:    user,
		Service: "ssh-connection",
		Method:  method,
		Payload: methodPayload,
	})
}

func passwordPayload(password string) []byte {
	var buf []byte
	buf = append(buf, 0) // FALSE: not a password-change request, RFC 4252 §8
	buf = protocol.WriteString(buf, []byte(password))
	return buf
}

func publicKeyRequestPayload(algo string, blob []byte, hasSignature bool, sigBlob []byte) []byte {
	var buf []byte
	if hasSignature {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = protocol.WriteString(buf, []byte(algo))
	buf = protocol.WriteString(buf, blob)
	if hasSignature {
		buf = protocol.WriteString(buf, sigBlob)
	}
	return buf
}

func keyboardInteractiveRequestPayload(lang, submethods string) []byte {
	var buf []byte
	buf = protocol.WriteString(buf, []byte(lang))
	buf = protocol.WriteString(buf, []byte(submethods))
	return buf
}

// marshalSignature wraps a signature per RFC 4253 §6.6: string(format) +
// string(blob).
func marshalSignature(format string, sig []byte) []byte {
	var buf []byte
	buf = protocol.WriteString(buf, []byte(format))
	buf = protocol.WriteString(buf, sig)
	return buf
}

func decodeOutcome(resp []byte) (bool, []string, error) {
	switch resp[0] {
	case protocol.MsgUserAuthSuccess:
		return true, nil, nil
	case protocol.MsgUserAuthFailure:
		f, err := protocol.UnmarshalUserAuthFailure(resp)
		if err != nil {
			return false, nil, err
		}
		return false, f.Methods, nil
	default:
		return false, nil, fmt.Errorf("sshcore: auth: unexpected message %d", resp[0])
	}
}
