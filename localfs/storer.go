// Package localfs stores blobs as flat files in one directory of an
// afero.Fs, which is the real disk in production and an in-memory
// filesystem in tests.
//
// Blobs are written into a hidden temp directory first and renamed into
// place once complete, so a reader never sees a partially written blob.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/h2non/filetype"
	"github.com/spf13/afero"
	"impractical.co/fleeting"
	"impractical.co/fleeting/magicnumber"
	"yall.in"
)

const (
	tempDirName = ".tmp"

	// filetype never needs more than this to recognise a file
	sniffLen = 8192
)

var _ fleeting.Storer = &Storer{}

// Storer is a fleeting.Storer keeping each blob in a file named after its
// ID.
type Storer struct {
	fs   afero.Fs
	root string
}

// NewStorer returns a Storer keeping blobs in root, creating it if
// necessary.
func NewStorer(fs afero.Fs, root string) (*Storer, error) {
	root = filepath.Clean(root)
	if err := fs.MkdirAll(filepath.Join(root, tempDirName), 0o750); err != nil {
		return nil, fmt.Errorf("error creating blob directory %s: %w", root, err)
	}
	return &Storer{fs: fs, root: root}, nil
}

// Root returns the directory blobs are stored in.
func (s *Storer) Root() string {
	return s.root
}

func (s *Storer) path(id string) (string, error) {
	if err := fleeting.ValidateID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.root, id), nil
}

func (s *Storer) Put(ctx context.Context, id string, r io.Reader) (fleeting.Blob, error) {
	log := yall.FromContext(ctx).WithField("localfs.root", s.root)

	dst, err := s.path(id)
	if err != nil {
		return fleeting.Blob{}, err
	}
	tmp, err := afero.TempFile(s.fs, filepath.Join(s.root, tempDirName), "upload-*")
	if err != nil {
		return fleeting.Blob{}, fmt.Errorf("error creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		if err := s.fs.Remove(tmpName); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithField("localfs.temp_file", tmpName).Error("[localfs] error removing temp file")
		}
	}

	if _, err := io.Copy(tmp, r); err != nil {
		discard()
		return fleeting.Blob{}, fmt.Errorf("error writing blob %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		discard()
		return fleeting.Blob{}, fmt.Errorf("error syncing blob %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		discard()
		return fleeting.Blob{}, fmt.Errorf("error closing blob %s: %w", id, err)
	}
	if err := s.fs.Rename(tmpName, dst); err != nil {
		discard()
		return fleeting.Blob{}, fmt.Errorf("error moving blob %s into place: %w", id, err)
	}
	return s.Stat(ctx, id)
}

func (s *Storer) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fleeting.ErrFileNotFound
		}
		return nil, fmt.Errorf("error opening blob %s: %w", id, err)
	}
	return f, nil
}

func (s *Storer) Delete(ctx context.Context, id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fleeting.ErrFileNotFound
		}
		return fmt.Errorf("error removing blob %s: %w", id, err)
	}
	return nil
}

func (s *Storer) Stat(ctx context.Context, id string) (fleeting.Blob, error) {
	p, err := s.path(id)
	if err != nil {
		return fleeting.Blob{}, err
	}
	info, err := s.fs.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fleeting.Blob{}, fleeting.ErrFileNotFound
		}
		return fleeting.Blob{}, fmt.Errorf("error stating blob %s: %w", id, err)
	}
	if info.IsDir() {
		return fleeting.Blob{}, fleeting.ErrFileNotFound
	}
	return fleeting.Blob{
		ID:          id,
		Size:        info.Size(),
		ContentType: s.contentType(p),
		ModTime:     info.ModTime(),
	}, nil
}

// List returns every stored blob, sorted by ID. Temp files of uploads in
// progress are not included.
func (s *Storer) List(ctx context.Context) ([]fleeting.Blob, error) {
	infos, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", s.root, err)
	}
	blobs := make([]fleeting.Blob, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			continue
		}
		blobs = append(blobs, fleeting.Blob{
			ID:      info.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].ID < blobs[j].ID })
	return blobs, nil
}

func (s *Storer) contentType(p string) string {
	f, err := s.fs.Open(p)
	if err == nil {
		defer f.Close()
		head := make([]byte, sniffLen)
		n, _ := io.ReadFull(f, head)
		if t, err := filetype.Match(head[:n]); err == nil && t != filetype.Unknown {
			return t.MIME.Value
		}
	}
	if t := mime.TypeByExtension(filepath.Ext(p)); t != "" {
		return t
	}
	return magicnumber.Unknown
}

// HTTPFileSystem exposes the stored blobs read-only. Only names that are
// valid blob IDs can be opened, so neither the temp directory nor a
// directory listing is ever served.
func (s *Storer) HTTPFileSystem() http.FileSystem {
	return blobFileSystem{fs: afero.NewHttpFs(s.fs).Dir(s.root)}
}

type blobFileSystem struct {
	fs http.FileSystem
}

func (b blobFileSystem) Open(name string) (http.File, error) {
	id := strings.TrimPrefix(name, "/")
	if fleeting.ValidateID(id) != nil {
		return nil, os.ErrNotExist
	}
	f, err := b.fs.Open("/" + id)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}
