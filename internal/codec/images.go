package codec

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// ImageRef is a validated image reference from a request message.
type ImageRef struct {
	// URL is the reference as given.
	URL string
	// Inline is set for data: URLs.
	Inline bool
	// MediaType is known for inline images and inferred for remote ones.
	MediaType string
}

// ParseImageRef accepts http(s) URLs and base64 data: URLs of a supported
// image type.
func ParseImageRef(ref string) (*ImageRef, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "data:") {
		return parseDataURL(ref)
	}

	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid image URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: must be http://, https:// or data:")
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid image URL: missing host")
	}
	return &ImageRef{URL: ref, MediaType: inferMediaType(u.Path)}, nil
}

// parseDataURL checks data:image/png;base64,... references.
func parseDataURL(ref string) (*ImageRef, error) {
	metadata, data, ok := strings.Cut(ref[len("data:"):], ",")
	if !ok {
		return nil, fmt.Errorf("invalid data URL: missing comma separator")
	}

	parts := strings.Split(metadata, ";")
	mediaType := normalizeMediaType(parts[0])
	if !isSupportedMediaType(mediaType) {
		return nil, fmt.Errorf("unsupported media type: %s", parts[0])
	}

	isBase64 := false
	for _, part := range parts[1:] {
		if part == "base64" {
			isBase64 = true
			break
		}
	}
	if !isBase64 {
		return nil, fmt.Errorf("data URL must be base64 encoded")
	}
	if data == "" {
		return nil, fmt.Errorf("invalid data URL: empty payload")
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return nil, fmt.Errorf("invalid data URL: %w", err)
	}

	return &ImageRef{URL: ref, Inline: true, MediaType: mediaType}, nil
}

// inferMediaType attempts to infer the media type from a URL path.
func inferMediaType(path string) string {
	p := strings.ToLower(path)

	switch {
	case strings.HasSuffix(p, ".jpg") || strings.HasSuffix(p, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(p, ".png"):
		return "image/png"
	case strings.HasSuffix(p, ".gif"):
		return "image/gif"
	case strings.HasSuffix(p, ".webp"):
		return "image/webp"
	default:
		return ""
	}
}

func isSupportedMediaType(mediaType string) bool {
	switch mediaType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	default:
		return false
	}
}

// normalizeMediaType lowercases, drops parameters and maps image/jpg to image/jpeg.
func normalizeMediaType(mediaType string) string {
	mainType := strings.Split(mediaType, ";")[0]
	mainType = strings.TrimSpace(strings.ToLower(mainType))

	if mainType == "image/jpg" {
		return "image/jpeg"
	}
	return mainType
}
