package auth

import "errors"

var ErrConnectionClosed = errors.New("sshcore: auth: connection closed during authentication")
var ErrAlreadyInProgress = errors.New("sshcore: auth: authentication already in progress")
var ErrNoMoreMethods = errors.New("sshcore: auth: server rejected every configured authentication method")

// ErrAwaitingPromptResponse is not a failure: ExecAuthentication returns it
// the moment a method that blocks on user input (keyboard-interactive)
// takes over, instead of waiting for that method's prompt loop to finish.
// The loop keeps running on its own goroutine; Config.OnAsyncComplete
// reports the eventual outcome, per spec.md §4.4/§9.
var ErrAwaitingPromptResponse = errors.New("sshcore: auth: awaiting keyboard-interactive prompt response")
