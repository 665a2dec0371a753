package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func requestWithOrigin(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestCheckOrigin_AllowsConfiguredOrigins(t *testing.T) {
	check := NewCheckOrigin([]string{"https://app.example.com"}, false)

	assert.True(t, check(requestWithOrigin("https://app.example.com")))
	assert.False(t, check(requestWithOrigin("https://evil.example.com")))
}

func TestCheckOrigin_EmptyOriginIsAllowed(t *testing.T) {
	check := NewCheckOrigin([]string{"https://app.example.com"}, false)
	assert.True(t, check(requestWithOrigin("")), "non-browser clients send no origin")
}

func TestCheckOrigin_EmptyAllowlistAdmitsAll(t *testing.T) {
	check := NewCheckOrigin(nil, false)
	assert.True(t, check(requestWithOrigin("https://anything.example.com")))
}

func TestCheckOrigin_LocalhostOnlyInDevelopment(t *testing.T) {
	prod := NewCheckOrigin([]string{"https://app.example.com"}, false)
	dev := NewCheckOrigin([]string{"https://app.example.com"}, true)

	assert.False(t, prod(requestWithOrigin("http://localhost:3000")))
	assert.True(t, dev(requestWithOrigin("http://localhost:3000")))
	assert.True(t, dev(requestWithOrigin("http://127.0.0.1:3000")))
	assert.False(t, dev(requestWithOrigin("https://evil.example.com")))
}

func TestCheckOrigin_MalformedOriginIsRejected(t *testing.T) {
	check := NewCheckOrigin([]string{"https://app.example.com"}, true)
	assert.False(t, check(requestWithOrigin("://not a url")))
}
