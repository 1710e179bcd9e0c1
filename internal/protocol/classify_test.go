// SPDX-License-Identifier: MIT

package protocol

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const activationBody = `{
	"npdId": "npd-123",
	"appDetails": {"nglAppId": "PhotoshopCC"},
	"deviceDetails": {
		"deviceId": "device-1",
		"osUserId": "user-1",
		"enableVdiMarkerExists": false,
		"isVirtualEnvironment": false
	}
}`

func deactivationQuery() url.Values {
	return url.Values{
		"npdId":    {"npd-123"},
		"deviceId": {"device-1"},
		"osUserId": {"user-1"},
	}
}

func TestClassify_Activation(t *testing.T) {
	c, err := Classify(http.MethodPost, "/asnp/frl_connected/values/v2", nil, http.Header{}, []byte(activationBody))
	require.NoError(t, err)
	assert.Equal(t, KindFrlActivation, c.Kind)
	assert.Equal(t, TargetLicense, c.Target)
	assert.NotEmpty(t, c.Fingerprint)
	assert.NotEmpty(t, c.GroupKey)
}

func TestClassify_ActivationToleratesSloppyPaths(t *testing.T) {
	want, err := Classify(http.MethodPost, "/asnp/frl_connected/values/v2", nil, http.Header{}, []byte(activationBody))
	require.NoError(t, err)

	for _, path := range []string{
		"//asnp/frl_connected/values/v2",
		"/asnp/frl_connected/values/v2/",
		"/asnp//frl_connected/values/v2",
	} {
		got, err := Classify(http.MethodPost, path, nil, http.Header{}, []byte(activationBody))
		require.NoError(t, err, path)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("classification mismatch for %s (-want +got):\n%s", path, diff)
		}
	}
}

func TestClassify_ActivationVersionAgnostic(t *testing.T) {
	c, err := Classify(http.MethodPost, "/asnp/frl_connected/values/v3", nil, http.Header{}, []byte(activationBody))
	require.NoError(t, err)
	assert.Equal(t, KindFrlActivation, c.Kind)

	c, err = Classify(http.MethodPost, "/asnp/frl_connected/values/vX", nil, http.Header{}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, c.Kind)
}

func TestClassify_ActivationMalformedBody(t *testing.T) {
	for name, body := range map[string]string{
		"not json":       "not json",
		"missing npdId":  `{"appDetails":{"nglAppId":"a"},"deviceDetails":{"deviceId":"d","osUserId":"u"}}`,
		"missing device": `{"npdId":"n","appDetails":{"nglAppId":"a"},"deviceDetails":{"osUserId":"u"}}`,
		"missing app":    `{"npdId":"n","deviceDetails":{"deviceId":"d","osUserId":"u"}}`,
	} {
		_, err := Classify(http.MethodPost, "/asnp/frl_connected/values/v2", nil, http.Header{}, []byte(body))
		assert.ErrorIs(t, err, ErrMalformed, name)
	}
}

func TestClassify_Deactivation(t *testing.T) {
	c, err := Classify(http.MethodDelete, "/asnp/frl_connected/v1", deactivationQuery(), http.Header{}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindFrlDeactivate, c.Kind)
	assert.Equal(t, TargetLicense, c.Target)
	assert.NotEmpty(t, c.Fingerprint)
	assert.NotEmpty(t, c.GroupKey)
}

func TestClassify_DeactivationMissingParams(t *testing.T) {
	q := deactivationQuery()
	q.Del("osUserId")
	_, err := Classify(http.MethodDelete, "/asnp/frl_connected/v1", q, http.Header{}, nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestClassify_LogUploadNeedsAPIKey(t *testing.T) {
	h := http.Header{}
	c, err := Classify(http.MethodPost, "/ulecs/v1", nil, h, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, c.Kind, "no key, no log upload")

	h.Set("X-Api-Key", "ngl-key")
	c, err = Classify(http.MethodPost, "/ulecs/v1", nil, h, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, KindLogUpload, c.Kind)
	assert.Equal(t, TargetLog, c.Target)
	assert.Empty(t, c.Fingerprint, "log uploads are never cached")
}

func TestClassify_HealthAndControl(t *testing.T) {
	c, err := Classify(http.MethodGet, "/status", nil, http.Header{}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindHealth, c.Kind)

	c, err = Classify(http.MethodPost, "/control/mode", nil, http.Header{}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindControl, c.Kind)
}

func TestClassify_UnknownTraffic(t *testing.T) {
	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/asnp/frl_connected/values/v2"},
		{http.MethodPost, "/asnp/frl_connected/v1"},
		{http.MethodPost, "/some/other/api"},
		{http.MethodDelete, "/ulecs/v1"},
	} {
		c, err := Classify(tc.method, tc.path, deactivationQuery(), http.Header{}, []byte(activationBody))
		require.NoError(t, err, tc.path)
		assert.Equal(t, KindUnknown, c.Kind, "%s %s", tc.method, tc.path)
	}
}
