package host

import "errors"

// ErrNoServers is returned when every configured host fails to resolve
// for the current connect attempt.
var ErrNoServers = errors.New("zk/host: no usable servers in connect string")

// errAttemptFailed is an internal sentinel fed through gobreaker.Execute
// to record a failed connection attempt; it never escapes this package.
var errAttemptFailed = errors.New("zk/host: connection attempt failed")
