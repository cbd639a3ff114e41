// Package communicator implements the Communicator contract (spec §4.A):
// execute a shell command on a remote host and report reachability.
package communicator

import "context"

// Result is the outcome of executing a command on a remote host.
type Result struct {
	ReturnCode int
	Stdout     string
	Stderr     string
}

// Communicator executes shell commands on one RemoteHost and reports
// liveness. Implementations own their own transport; callers do not assume
// a connection is pooled or reused across calls.
type Communicator interface {
	// Execute runs command on the remote host and captures its exit code,
	// stdout, and stderr. It returns a *qmerrors.CommunicatorError on
	// transport failure (the remote command itself returning non-zero is
	// not a transport failure and is reported via Result.ReturnCode).
	Execute(ctx context.Context, command string) (Result, error)

	// IsReachable is a cheap liveness probe.
	IsReachable(ctx context.Context) bool
}

// Factory constructs a Communicator bound to one RemoteHost's address and
// opaque configuration blob. Registered in the plugin registry under the
// Communicator's identifier (e.g. "SSH").
type Factory func(address string, config []byte) (Communicator, error)
