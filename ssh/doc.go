// Package ssh is sshcore's public surface: an SSH2 client connection core,
// RFC 4253/4252/4254. It wires the Key Exchanger (internal/kex), User
// Authenticator (internal/auth), Remote Port Forwarder (internal/portforward)
// and Agent Forwarder (internal/agentforward) interceptors onto one
// transport.Framer and drives the connection's default packet dispatch once
// none of them claims an inbound packet.
//
// Usage:
//  1. Build a Config naming the user, authentication methods and host-key
//     callback.
//  2. Call Dial (or Connect, over an already-open Socket) to run the version
//     exchange, key exchange and authentication, returning a ready
//     *Connection.
//  3. Drive channels with OpenShell/ExecCommand/OpenSubsystem, or register
//     remote port forwards with ListenForwardedPort.
//  4. Call Disconnect, or just let the underlying socket close, when done.
package ssh
