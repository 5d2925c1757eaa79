// Package privacylog keeps identifiers and key material out of log output.
// Conversation and participant ids are fingerprinted with a per-process
// nonce so log lines correlate within one run but not across runs or
// installs, and anything that smells like a secret is redacted outright.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var bootNonce = randomNonce()

// keyClass decides what happens to an attribute based on its key alone.
type keyClass int

const (
	classPlain keyClass = iota
	classFingerprint
	classRedact
)

var fingerprintKeys = map[string]struct{}{
	"conversation_id":    {},
	"participant_id":     {},
	"requester_id":       {},
	"target_id":          {},
	"record_id":          {},
	"identity_id":        {},
	"peer_id":            {},
	"member_id":          {},
	"legacy_fingerprint": {},
}

var secretKeyParts = []string{
	"token", "secret", "password", "passphrase",
	"mnemonic", "seed", "raw_key", "key_material", "private_key",
}

func classify(key string) keyClass {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return classRedact
		}
	}
	if _, ok := fingerprintKeys[lower]; ok {
		return classFingerprint
	}
	return classPlain
}

// SanitizingHandler wraps another slog handler and rewrites attributes
// before they reach it.
type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitized := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		sanitized = append(sanitized, SanitizeAttr(attr))
	}
	return &SanitizingHandler{next: h.next.WithAttrs(sanitized)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr rewrites one attribute, descending into groups.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup {
		members := attr.Value.Group()
		sanitized := make([]slog.Attr, 0, len(members))
		for _, member := range members {
			sanitized = append(sanitized, SanitizeAttr(member))
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(sanitized...)}
	}

	switch classify(attr.Key) {
	case classRedact:
		return slog.String(attr.Key, redactedValue)
	case classFingerprint:
		return slog.String(fingerprintKeyName(attr.Key), FingerprintID(attr.Value.String()))
	default:
		return attr
	}
}

// SanitizeArgs rewrites slog-style alternating key/value args; callers use
// it when passing args straight to a logger method.
func SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			out = append(out, args[i])
			continue
		}
		value := args[i+1]
		i++

		switch classify(key) {
		case classRedact:
			out = append(out, key, redactedValue)
		case classFingerprint:
			out = append(out, fingerprintKeyName(key), FingerprintID(fmt.Sprint(value)))
		default:
			out = append(out, key, value)
		}
	}
	return out
}

// FingerprintID maps an identifier to a short stable-within-process tag.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(strings.TrimSpace(key)), "_fp") {
		return key
	}
	return key + "_fp"
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
