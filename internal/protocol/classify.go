// SPDX-License-Identifier: MIT

package protocol

import (
	"net/http"
	"net/url"
	"strings"
)

// Classification is the classifier's verdict on one inbound request.
type Classification struct {
	Kind        Kind
	Target      Target
	Fingerprint string // empty for log uploads and non-FRL kinds
	GroupKey    string // invalidation group for FRL kinds
}

// Classify inspects method, path, query and body and decides what the
// request is. It tolerates duplicate and trailing slashes in the path.
// FRL requests with unparseable bodies or missing identity fields return
// an error wrapping ErrMalformed.
func Classify(method, rawPath string, query url.Values, header http.Header, body []byte) (Classification, error) {
	segs := splitPath(rawPath)

	switch {
	case method == http.MethodGet && len(segs) == 1 && segs[0] == "status":
		return Classification{Kind: KindHealth}, nil

	case len(segs) >= 1 && segs[0] == "control":
		return Classification{Kind: KindControl}, nil

	case method == http.MethodPost && isActivationPath(segs):
		req, err := ParseActivation(body)
		if err != nil {
			return Classification{Kind: KindUnknown}, err
		}
		return Classification{
			Kind:        KindFrlActivation,
			Target:      TargetLicense,
			Fingerprint: req.Fingerprint(),
			GroupKey:    req.GroupKey(),
		}, nil

	case method == http.MethodDelete && isDeactivationPath(segs):
		req, err := ParseDeactivation(query)
		if err != nil {
			return Classification{Kind: KindUnknown}, err
		}
		return Classification{
			Kind:        KindFrlDeactivate,
			Target:      TargetLicense,
			Fingerprint: req.Fingerprint(),
			GroupKey:    req.GroupKey(),
		}, nil

	case method == http.MethodPost && len(segs) == 2 && segs[0] == "ulecs" && segs[1] == "v1" &&
		header.Get("X-Api-Key") != "":
		return Classification{Kind: KindLogUpload, Target: TargetLog}, nil
	}

	return Classification{Kind: KindUnknown}, nil
}

// isActivationPath matches /asnp/frl_connected/values/<version>.
func isActivationPath(segs []string) bool {
	return len(segs) == 4 &&
		segs[0] == "asnp" && segs[1] == "frl_connected" && segs[2] == "values" &&
		isVersionSegment(segs[3])
}

// isDeactivationPath matches /asnp/frl_connected/<version>.
func isDeactivationPath(segs []string) bool {
	return len(segs) == 3 &&
		segs[0] == "asnp" && segs[1] == "frl_connected" &&
		isVersionSegment(segs[2])
}

func isVersionSegment(s string) bool {
	if len(s) < 2 || s[0] != 'v' {
		return false
	}
	for _, c := range s[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// splitPath breaks a URL path into segments, dropping empty ones so
// "//asnp/" and "/asnp" classify identically.
func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	segs := parts[:0]
	for _, s := range parts {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
