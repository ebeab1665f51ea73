package e2e

import (
	"net/http"
	"testing"
)

// Cookie set by the response with the given name, fails the test if missed
func Cookie(t *testing.T, resp *http.Response, name string) *http.Cookie {
	t.Helper()

	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}

	t.Fatalf("cookie %q not found in response", name)
	return nil
}
