package gateway

import (
	"net/http"
	"strings"

	"taskgate/server/who/api"
)

// stripIdentity removes every X-User-* header. Upstreams trust these
// headers, so only the gateway may set them.
func stripIdentity(h http.Header) {
	for k := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(k), api.HeaderUserPrefix) {
			delete(h, k)
		}
	}
}

// injectIdentity overwrites the identity headers with a verified identity.
// Call stripIdentity first.
func injectIdentity(h http.Header, id api.Identity) {
	h.Set(api.HeaderUserID, id.ID)
	h.Set(api.HeaderUserName, id.Name)
	h.Set(api.HeaderUserEmail, id.Email)
}
