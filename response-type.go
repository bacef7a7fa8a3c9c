package cachefirst

import (
	"net/http"
	"net/url"
	"strings"
)

// ResponseType tells how trustworthy a fetched response is for caching decisions.
type ResponseType string

const (
	// The response came from the serving origin itself.
	ResponseTypeBasic ResponseType = "basic"
	// The response ended up on another origin, directly or through a redirect.
	ResponseTypeCORS ResponseType = "cors"
	// The response does not say where it came from.
	ResponseTypeOpaque ResponseType = "opaque"
)

// GetResponseType classifies a response relative to the serving origin.
// The final request of the response (after any redirects) decides.
func GetResponseType(serving *url.URL, res *http.Response) ResponseType {
	if res.Request == nil || res.Request.URL == nil {
		return ResponseTypeOpaque
	}
	final := res.Request.URL
	if strings.EqualFold(final.Scheme, serving.Scheme) && strings.EqualFold(final.Host, serving.Host) {
		return ResponseTypeBasic
	}
	return ResponseTypeCORS
}
