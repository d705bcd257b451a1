package client

import (
	"net/http"
	"testing"
)

func TestNewHTTPClient(t *testing.T) {
	client, err := NewHTTPClient(DefaultTransportConfig())
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}

	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("transport = %T, want *http.Transport", client.Transport)
	}
	if transport.TLSNextProto["h2"] == nil {
		t.Error("transport should negotiate HTTP/2")
	}
	if client.Timeout != 0 {
		t.Error("per-attempt deadlines come from the context; client timeout must be unset")
	}
}
