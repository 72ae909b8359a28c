// Package blob stores media payloads and hands back public URLs.
package blob

import (
	"context"
	"errors"
	"io"
	"net/url"
	"path"
	"strings"
)

// ErrInvalidPath indicates an object path that is empty or escapes the store root.
var ErrInvalidPath = errors.New("blob: invalid object path")

// Store persists blobs. Delete must treat a missing object as success.
type Store interface {
	Put(ctx context.Context, objectPath string, body io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, objectURL string) error
}

// SanitizeFilename keeps only the final path element of a client supplied name.
func SanitizeFilename(name string, fallback string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if index := strings.LastIndex(name, "/"); index >= 0 {
		name = name[index+1:]
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return fallback
	}
	return name
}

// MediaKind classifies a content type as image, video or file.
func MediaKind(contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	default:
		return "file"
	}
}

func cleanObjectPath(objectPath string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimSpace(objectPath))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}

// objectPathFromURL strips the store prefix from a URL it previously returned.
func objectPathFromURL(objectURL string, prefix string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(objectURL))
	if err != nil {
		return "", err
	}
	urlPath := parsed.Path
	if strings.HasPrefix(urlPath, prefix) {
		urlPath = urlPath[len(prefix):]
	}
	return cleanObjectPath(urlPath)
}
