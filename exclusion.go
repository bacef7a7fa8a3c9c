package cachefirst

import (
	"net/url"
	"regexp"
	"strings"
)

// DefaultImageExtensions are the path suffixes treated as images when the request
// does not declare its destination.
var DefaultImageExtensions = []string{"png", "jpg", "jpeg", "gif", "svg", "webp", "ico"}

// destinationImage is the Sec-Fetch-Dest value browsers send for image loads.
const destinationImage = "image"

// Classifier decides which requests go around the cache entirely.
type Classifier struct {
	imagePath *regexp.Regexp
}

// NewClassifier creates a classifier matching the given image extensions (without
// the leading dot) case-insensitively at the end of the URL path.
func NewClassifier(extensions []string) *Classifier {
	if len(extensions) == 0 {
		extensions = DefaultImageExtensions
	}
	quoted := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		if ext != "" {
			quoted = append(quoted, regexp.QuoteMeta(ext))
		}
	}
	if len(quoted) == 0 {
		return NewClassifier(DefaultImageExtensions)
	}
	return &Classifier{
		imagePath: regexp.MustCompile(`(?i)\.(` + strings.Join(quoted, "|") + `)$`),
	}
}

// ShouldBypass reports whether a request must skip all cache reads and writes.
// It is true for network-scheme requests to a host other than servingHost that
// are images, either by declared destination or by path extension.
func (c *Classifier) ShouldBypass(target *url.URL, destination, servingHost string) bool {
	if target.Scheme != "http" && target.Scheme != "https" {
		return false
	}
	if strings.EqualFold(target.Hostname(), servingHost) {
		return false
	}
	return destination == destinationImage || c.imagePath.MatchString(target.Path)
}
