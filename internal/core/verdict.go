package core

import (
	"fmt"
	"strings"
)

// Verdict is the decision applied to one delivered packet.
type Verdict uint8

const (
	// VerdictAccept lets the packet through unchanged.
	VerdictAccept Verdict = iota
	// VerdictAcceptModify lets a replacement payload through instead of the original bytes.
	VerdictAcceptModify
	// VerdictAcceptStream accepts the packet and the rest of its stream.
	VerdictAcceptStream
	// VerdictDrop discards the packet.
	VerdictDrop
	// VerdictDropStream discards the packet and the rest of its stream.
	VerdictDropStream
)

var verdictNames = [...]string{
	VerdictAccept:       "accept",
	VerdictAcceptModify: "accept-modify",
	VerdictAcceptStream: "accept-stream",
	VerdictDrop:         "drop",
	VerdictDropStream:   "drop-stream",
}

func (v Verdict) String() string {
	if int(v) < len(verdictNames) {
		return verdictNames[v]
	}
	return fmt.Sprintf("verdict(%d)", uint8(v))
}

// Valid reports whether v is one of the defined verdicts.
func (v Verdict) Valid() bool {
	return int(v) < len(verdictNames)
}

// IsStream reports whether v applies to the whole stream.
func (v Verdict) IsStream() bool {
	return v == VerdictAcceptStream || v == VerdictDropStream
}

// IsAccept reports whether the packet carrying v is let through.
func (v Verdict) IsAccept() bool {
	return v == VerdictAccept || v == VerdictAcceptModify || v == VerdictAcceptStream
}

// ParseVerdict converts a verdict name back to a Verdict.
func ParseVerdict(s string) (Verdict, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range verdictNames {
		if n == name {
			return Verdict(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownVerdict, s)
}
