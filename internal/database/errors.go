package database

import "errors"

var (
	// ErrCommandRunnerQuit is returned when a command is submitted after
	// the runner shut down.
	ErrCommandRunnerQuit = errors.New("command runner has quit")

	// ErrCommandSendFailed is returned when a command could not be
	// delivered to the runner.
	ErrCommandSendFailed = errors.New("sending command failed")

	// ErrCommandAlreadyRunning is returned when a concurrent command is
	// submitted for an account that already has one in flight. Callers
	// must not retry silently.
	ErrCommandAlreadyRunning = errors.New("command already running for account")

	// ErrSetupIncomplete is returned by complete-setup when the account
	// has no setup data or is past initial setup.
	ErrSetupIncomplete = errors.New("account setup incomplete")
)
