package cable

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEndpoint(t *testing.T) {
	cases := []struct {
		name     string
		endpoint string
		origin   string
		want     string
		wantErr  bool
	}{
		{
			name:     "absolute ws untouched",
			endpoint: "ws://api.example.com/cable",
			want:     "ws://api.example.com/cable",
		},
		{
			name:     "absolute wss untouched",
			endpoint: "wss://api.example.com/cable",
			want:     "wss://api.example.com/cable",
		},
		{
			name:     "http maps to ws",
			endpoint: "http://api.example.com/cable",
			want:     "ws://api.example.com/cable",
		},
		{
			name:     "https maps to wss",
			endpoint: "https://api.example.com/cable",
			want:     "wss://api.example.com/cable",
		},
		{
			name:     "relative path against http origin",
			endpoint: "/cable",
			origin:   "http://app.example.com",
			want:     "ws://app.example.com/cable",
		},
		{
			name:     "relative path against https origin",
			endpoint: "/cable",
			origin:   "https://app.example.com",
			want:     "wss://app.example.com/cable",
		},
		{
			name:     "bare path gets leading slash",
			endpoint: "cable",
			origin:   "https://app.example.com",
			want:     "wss://app.example.com/cable",
		},
		{
			name:     "relative path without origin",
			endpoint: "/cable",
			wantErr:  true,
		},
		{
			name:     "unsupported scheme",
			endpoint: "ftp://api.example.com/cable",
			wantErr:  true,
		},
		{
			name:     "unsupported origin scheme",
			endpoint: "/cable",
			origin:   "ftp://app.example.com",
			wantErr:  true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u, err := resolveEndpoint(tc.endpoint, tc.origin)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, u.String())
		})
	}
}

func TestEndpointGetterServesHeader(t *testing.T) {
	header := http.Header{}
	header.Set("Authorization", "Bearer token")

	getter, err := NewEndpointGetter("wss://api.example.com/cable", "", header)
	require.NoError(t, err)

	params, err := getter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/cable", params.URL.String())
	assert.Equal(t, "Bearer token", params.Header.Get("Authorization"))
}
