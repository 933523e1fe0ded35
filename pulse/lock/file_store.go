package lock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/teranos/leadpulse/am"
	"github.com/teranos/leadpulse/errors"
)

var scopePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// FileStore keeps one JSON marker file per scope in a directory.
//
// Create publishes a fully written temp file with os.Link, which fails if the
// marker exists. Replace and Delete run under a per-scope guard so a reclaim
// cannot interleave with the old holder's release.
type FileStore struct {
	dir string
}

// NewFileStore creates the marker directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(err, "failed to create lock directory %s", dir),
			"set lock.dir to a writable directory",
		)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the marker directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) markerPath(scope string) (string, error) {
	if !scopePattern.MatchString(scope) {
		return "", errors.NewInvalidRequestError("invalid lock scope %q", scope)
	}
	return filepath.Join(s.dir, scope+".lock"), nil
}

func (s *FileStore) Create(ctx context.Context, m Marker) error {
	path, err := s.markerPath(m.Scope)
	if err != nil {
		return err
	}
	tmp, err := s.writeTemp(m)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if os.IsExist(err) {
			return ErrMarkerExists
		}
		return errors.Wrapf(err, "failed to publish marker %s", path)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, scope string) (Marker, error) {
	path, err := s.markerPath(scope)
	if err != nil {
		return Marker{}, err
	}
	return readMarker(path)
}

func (s *FileStore) Replace(ctx context.Context, old, next Marker) error {
	path, err := s.markerPath(old.Scope)
	if err != nil {
		return err
	}
	return s.withGuard(old.Scope, func() error {
		cur, err := readMarker(path)
		if err != nil {
			return err
		}
		if cur.Token != old.Token {
			return ErrTokenMismatch
		}
		tmp, err := s.writeTemp(next)
		if err != nil {
			return err
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return errors.Wrapf(err, "failed to replace marker %s", path)
		}
		return nil
	})
}

func (s *FileStore) Delete(ctx context.Context, scope, token string) error {
	path, err := s.markerPath(scope)
	if err != nil {
		return err
	}
	return s.withGuard(scope, func() error {
		cur, err := readMarker(path)
		if errors.IsNotFoundError(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Token != token {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove marker %s", path)
		}
		return nil
	})
}

func (s *FileStore) writeTemp(m Marker) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode marker")
	}
	f, err := os.CreateTemp(s.dir, "."+m.Scope+".*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "failed to create temp marker")
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", errors.Wrap(err, "failed to write temp marker")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", errors.Wrap(err, "failed to sync temp marker")
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", errors.Wrap(err, "failed to close temp marker")
	}
	return name, nil
}

func (s *FileStore) withGuard(scope string, fn func() error) error {
	g, err := acquireGuard(filepath.Join(s.dir, scope+".guard"))
	if err != nil {
		return err
	}
	defer g.release()
	return fn()
}

func readMarker(path string) (Marker, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Marker{}, errors.NewNotFoundError("lock marker %s", path)
	}
	if err != nil {
		return Marker{}, errors.Wrapf(err, "failed to read marker %s", path)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, errors.WithDetailf(
			errors.Wrapf(err, "corrupt lock marker %s", path),
			"remove the file if no run is active",
		)
	}
	return m, nil
}
