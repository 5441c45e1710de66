package channel

import "errors"

// ErrHandshakeFailed is returned when the CONNECT/OK handshake did not
// succeed within the handshake timeout, or the guest replied with anything
// other than "OK <port>" (spec.md §7).
var ErrHandshakeFailed = errors.New("channel: guest handshake failed")

// ErrGuestUnavailable is returned to callers once the retry budget for
// establishing the channel is exhausted (spec.md §7). It wraps the last
// underlying handshake or dial error.
var ErrGuestUnavailable = errors.New("channel: guest unavailable")
