//go:build !real_waku

package recordsync

// Builds without the real_waku tag have no go-waku backend; the client
// reports the transport as unavailable and callers stay on the mock bus.
func newGoWakuBackend() syncBackend { return nil }
