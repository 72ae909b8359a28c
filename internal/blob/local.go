package blob

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// LocalStore keeps blobs on an afero filesystem and serves them under PublicBaseURL.
type LocalStore struct {
	fs      afero.Fs
	root    string
	baseURL *url.URL
}

// NewLocalStore builds a store rooted at root inside fs.
func NewLocalStore(filesystem afero.Fs, root string, publicBaseURL string) (*LocalStore, error) {
	if filesystem == nil {
		filesystem = afero.NewOsFs()
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"))
	if err != nil {
		return nil, err
	}
	if err := filesystem.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{fs: filesystem, root: root, baseURL: base}, nil
}

// Put writes the blob and returns its public URL.
func (s *LocalStore) Put(ctx context.Context, objectPath string, body io.Reader, contentType string) (string, error) {
	cleaned, err := cleanObjectPath(objectPath)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := path.Join(s.root, cleaned)
	if err := s.fs.MkdirAll(path.Dir(target), 0o755); err != nil {
		return "", err
	}
	file, err := s.fs.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(file, body); err != nil {
		_ = file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", err
	}
	return s.urlFor(cleaned), nil
}

// Delete removes the blob behind objectURL. Missing blobs are not an error.
func (s *LocalStore) Delete(ctx context.Context, objectURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cleaned, err := objectPathFromURL(objectURL, s.baseURL.Path+"/")
	if err != nil {
		return err
	}
	err = s.fs.Remove(path.Join(s.root, cleaned))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Handler serves stored blobs read-only.
func (s *LocalStore) Handler() http.Handler {
	return http.FileServer(afero.NewHttpFs(s.fs).Dir(s.root))
}

func (s *LocalStore) urlFor(cleaned string) string {
	copyURL := *s.baseURL
	copyURL.Path = s.baseURL.Path + "/" + cleaned
	return copyURL.String()
}
