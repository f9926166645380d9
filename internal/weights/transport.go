package weights

import (
	"net/http"
)

const authorizationHeader = "Authorization"

// transport sets default headers and per-host credentials on outgoing
// requests without overriding ones the caller already set.
type transport struct {
	headers        map[string]string
	authentication map[string]string
	base           http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 || len(t.authentication) > 0 {
		req = req.Clone(req.Context())
	}
	for k, v := range t.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}

	if req.Header.Get(authorizationHeader) == "" {
		if authorization, ok := t.authentication[req.URL.Host]; ok {
			req.Header.Set(authorizationHeader, authorization)
		}
	}

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
