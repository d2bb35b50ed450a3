package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetaFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	req.Header.Set("X-Request-Id", "req-1")
	req.Header.Set("X-Device-Id", "phone")

	meta := MetaFromRequest(req)
	assert.Equal(t, RequestMeta{RequestID: "req-1", DeviceID: "phone", IP: "10.0.0.7"}, meta)

	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	assert.Equal(t, "203.0.113.9", MetaFromRequest(req).IP)
}
