package server

import "time"

// PathRedactor rewrites a virtual path before it is written to the log.
type PathRedactor func(path string) string

// MetricsCollector receives counters from the server.
//
// Methods are called from the reactor goroutine and from transfer workers,
// so implementations must be safe for concurrent use and should not block.
type MetricsCollector interface {
	// RecordCommand is called after every dispatched command. success is
	// false when the final reply carried a 4xx or 5xx code.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer is called when a data transfer finishes. operation is
	// the command that started it (RETR, STOR, APPE, STOU, LIST, NLST).
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordConnection is called for every accepted control connection.
	// reason is "accepted" or "global_limit_reached".
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication is called after PASS or ACCT verification.
	RecordAuthentication(success bool, user string)
}
