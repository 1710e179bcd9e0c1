// SPDX-License-Identifier: MIT

package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// ActivationRequest is the narrow view of an FRL activation body: only the
// fields that route and fingerprint the request. The full payload stays
// opaque so upstream schema changes cannot break the proxy.
type ActivationRequest struct {
	AppDetails struct {
		NglAppID string `json:"nglAppId"`
	} `json:"appDetails"`
	DeviceDetails struct {
		DeviceID              string `json:"deviceId"`
		OsUserID              string `json:"osUserId"`
		EnableVdiMarkerExists bool   `json:"enableVdiMarkerExists"`
		IsVirtualEnvironment  bool   `json:"isVirtualEnvironment"`
	} `json:"deviceDetails"`
	NpdID string `json:"npdId"`
}

// ParseActivation decodes the routing fields of an activation body.
// Missing required fields surface as ErrMalformed.
func ParseActivation(body []byte) (*ActivationRequest, error) {
	var req ActivationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: invalid activation body: %v", ErrMalformed, err)
	}
	switch {
	case req.NpdID == "":
		return nil, fmt.Errorf("%w: activation body missing npdId", ErrMalformed)
	case req.DeviceDetails.DeviceID == "":
		return nil, fmt.Errorf("%w: activation body missing deviceDetails.deviceId", ErrMalformed)
	case req.DeviceDetails.OsUserID == "":
		return nil, fmt.Errorf("%w: activation body missing deviceDetails.osUserId", ErrMalformed)
	case req.AppDetails.NglAppID == "":
		return nil, fmt.Errorf("%w: activation body missing appDetails.nglAppId", ErrMalformed)
	}
	return &req, nil
}

// deviceFactor picks the device component of the license key. VDI installs
// roam between virtual machines, so the OS user stands in for the device.
func deviceFactor(deviceID, osUserID string, vdiMarker, virtual bool) string {
	if vdiMarker && virtual {
		return osUserID
	}
	return deviceID
}

// Fingerprint identifies the activation this request belongs to. Two
// requests with equal fingerprints are interchangeable for caching.
func (r *ActivationRequest) Fingerprint() string {
	return fingerprint(KindFrlActivation,
		r.NpdID,
		r.DeviceDetails.DeviceID,
		r.DeviceDetails.OsUserID,
		r.AppDetails.NglAppID,
	)
}

// GroupKey ties activations and deactivations for the same license
// together. A deactivation invalidates every cached activation in its group.
func (r *ActivationRequest) GroupKey() string {
	d := deviceFactor(r.DeviceDetails.DeviceID, r.DeviceDetails.OsUserID,
		r.DeviceDetails.EnableVdiMarkerExists, r.DeviceDetails.IsVirtualEnvironment)
	return groupKey(r.NpdID, d, r.DeviceDetails.OsUserID)
}

// DeactivationRequest carries the query parameters of an FRL deactivation.
// IsOsUserAccountInDomain travels with the request but plays no part in the
// identity key.
type DeactivationRequest struct {
	NpdID                   string
	DeviceID                string
	OsUserID                string
	EnableVdiMarkerExists   bool
	IsVirtualEnvironment    bool
	IsOsUserAccountInDomain bool
}

// ParseDeactivation extracts the required deactivation query parameters.
func ParseDeactivation(query url.Values) (*DeactivationRequest, error) {
	req := DeactivationRequest{
		NpdID:                   query.Get("npdId"),
		DeviceID:                query.Get("deviceId"),
		OsUserID:                query.Get("osUserId"),
		EnableVdiMarkerExists:   query.Get("enableVdiMarkerExists") == "1",
		IsVirtualEnvironment:    query.Get("isVirtualEnvironment") == "1",
		IsOsUserAccountInDomain: query.Get("isOsUserAccountInDomain") == "1",
	}
	switch {
	case req.NpdID == "":
		return nil, fmt.Errorf("%w: deactivation query missing npdId", ErrMalformed)
	case req.DeviceID == "":
		return nil, fmt.Errorf("%w: deactivation query missing deviceId", ErrMalformed)
	case req.OsUserID == "":
		return nil, fmt.Errorf("%w: deactivation query missing osUserId", ErrMalformed)
	}
	return &req, nil
}

// Fingerprint identifies the deactivation for caching and replay dedupe.
// Deactivation queries carry no app id, so the fingerprint is the group key
// scoped by kind.
func (r *DeactivationRequest) Fingerprint() string {
	return fingerprint(KindFrlDeactivate, r.GroupKey())
}

// GroupKey returns the invalidation group shared with activations.
func (r *DeactivationRequest) GroupKey() string {
	d := deviceFactor(r.DeviceID, r.OsUserID, r.EnableVdiMarkerExists, r.IsVirtualEnvironment)
	return groupKey(r.NpdID, d, r.OsUserID)
}

// fingerprint hashes the identity factors. Values are case-sensitive and
// used exactly as received; the separator keeps adjacent fields from
// colliding.
func fingerprint(kind Kind, factors ...string) string {
	h := sha256.New()
	h.Write([]byte(string(kind)))
	for _, f := range factors {
		h.Write([]byte{'|'})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func groupKey(npdID, device, osUserID string) string {
	h := sha256.Sum256([]byte(strings.Join([]string{npdID, device, osUserID}, "|")))
	return hex.EncodeToString(h[:])
}
