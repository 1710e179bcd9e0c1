// SPDX-License-Identifier: MIT

// Package protocol classifies inbound HTTP traffic into the request kinds
// the proxy understands and derives the cache fingerprints for FRL traffic.
// Classification is pure: it never touches the store or the network.
package protocol

import (
	"errors"
	"fmt"
)

// Kind identifies the protocol operation carried by a request.
type Kind string

const (
	KindUnknown        Kind = "UNKNOWN"
	KindFrlActivation  Kind = "FRL_ACTIVATE"
	KindFrlDeactivate  Kind = "FRL_DEACTIVATE"
	KindLogUpload      Kind = "LOG_UPLOAD"
	KindHealth         Kind = "HEALTH"
	KindControl        Kind = "CONTROL"
)

// Target names the upstream service a request must be forwarded to.
type Target string

const (
	TargetNone    Target = ""
	TargetLicense Target = "LICENSE"
	TargetLog     Target = "LOG"
)

// ParseKind converts a stored kind string back into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindFrlActivation, KindFrlDeactivate, KindLogUpload, KindHealth, KindControl, KindUnknown:
		return Kind(s), nil
	}
	return KindUnknown, fmt.Errorf("unknown request kind %q", s)
}

// ErrMalformed marks client input the proxy refuses to journal (bad JSON,
// missing required fields or query parameters). Handlers translate it to 400.
var ErrMalformed = errors.New("malformed request")
