package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRequest(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want ClientRequest
		ok   bool
	}{
		{"refresh", `{"action":"REFRESH"}`, ClientRequest{Action: "REFRESH"}, true},
		{
			"recovery key",
			`{"action":"SUBMIT_RECOVERY_KEY","recovery_key":"EsTc LW2K"}`,
			ClientRequest{Action: "SUBMIT_RECOVERY_KEY", RecoveryKey: "EsTc LW2K"},
			true,
		},
		{"no action", `{"recovery_key":"x"}`, ClientRequest{}, false},
		{"not json", `REFRESH`, ClientRequest{}, false},
		{"not an object", `["REFRESH"]`, ClientRequest{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, ok := ParseRequest([]byte(tc.raw))
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, req)
			}
		})
	}
}
