package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"impractical.co/fleeting"
	"yall.in"
)

const (
	filesField = "mediaFiles"
	ttlField   = "expiryTime"

	// formOverhead is what a request may carry on top of its files: part
	// headers, boundaries and the other form fields.
	formOverhead = 1 << 20
)

type uploadResponse struct {
	FileLinks  []string `json:"fileLinks"`
	ExpiryTime float64  `json:"expiryTime"`
	ExpiresAt  string   `json:"expiresAt"`
}

func (s *Server) upload(c *gin.Context) {
	ctx := c.Request.Context()
	log := yall.FromContext(ctx)

	if limit := s.bodyLimit(); limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(c, fmt.Errorf("request over %d bytes: %w", tooLarge.Limit, fleeting.ErrTooLarge))
			return
		}
		s.fail(c, fmt.Errorf("%w: %w", errBadForm, err))
		return
	}
	defer form.RemoveAll()

	headers := form.File[filesField]
	if len(headers) < 1 {
		s.fail(c, fleeting.ErrNoFiles)
		return
	}
	if len(headers) > s.cfg.MaxFiles {
		s.fail(c, fmt.Errorf("%d files sent, at most %d allowed: %w", len(headers), s.cfg.MaxFiles, fleeting.ErrTooManyFiles))
		return
	}

	rawTTL := c.PostForm(ttlField)
	ttl, err := fleeting.ParseTTL(rawTTL)
	if err != nil {
		s.fail(c, err)
		return
	}
	hours, _ := strconv.ParseFloat(strings.TrimSpace(rawTTL), 64)

	ids, err := s.store(ctx, headers)
	if err != nil {
		s.fail(c, err)
		return
	}

	expiry, err := s.manager.Register(ctx, ids, ttl)
	if err != nil {
		s.discard(ctx, ids)
		s.fail(c, err)
		return
	}

	base := s.baseURL(c.Request)
	links := make([]string, 0, len(ids))
	for _, id := range ids {
		links = append(links, base+"/files/"+url.PathEscape(id))
	}
	log.WithField("fleeting.ids", ids).Info("[httpapi] files uploaded")
	c.JSON(http.StatusOK, uploadResponse{
		FileLinks:  links,
		ExpiryTime: hours,
		ExpiresAt:  expiry.UTC().Format(time.RFC3339),
	})
}

// bodyLimit is the largest upload request worth reading: MaxFiles files of
// the largest accepted size, plus formOverhead. Zero means no limit.
func (s *Server) bodyLimit() int64 {
	perFile := s.cfg.Upload.MaxBytes
	if perFile <= 0 {
		return 0
	}
	files := int64(s.cfg.MaxFiles)
	if perFile > (math.MaxInt64-formOverhead)/files {
		return 0
	}
	return files*perFile + formOverhead
}

// store writes every file of one upload concurrently, returning their IDs
// in the order the files were sent. If any file fails, the ones already
// written are deleted.
func (s *Server) store(ctx context.Context, headers []*multipart.FileHeader) ([]string, error) {
	ids := make([]string, len(headers))
	var g errgroup.Group
	for i, header := range headers {
		g.Go(func() error {
			f, err := header.Open()
			if err != nil {
				return fmt.Errorf("error opening %q: %w", header.Filename, err)
			}
			blob, err := fleeting.Upload(ctx, s.storer, f, header.Filename, s.cfg.Upload)
			if err != nil {
				return err
			}
			ids[i] = blob.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.discard(ctx, ids)
		return nil, err
	}
	return ids, nil
}

// discard deletes blobs that were written but will never be registered.
func (s *Server) discard(ctx context.Context, ids []string) {
	log := yall.FromContext(ctx)
	for _, id := range ids {
		if id == "" {
			continue
		}
		err := s.storer.Delete(ctx, id)
		if err != nil && !errors.Is(err, fleeting.ErrFileNotFound) {
			log.WithField("fleeting.id", id).WithError(err).Error("[httpapi] error discarding unregistered blob")
		}
	}
}

func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.BaseURL != "" {
		return strings.TrimSuffix(s.cfg.BaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return scheme + "://" + r.Host
}

func (s *Server) download(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("filename")

	// an expired file is gone even if the sweep hasn't caught up yet
	rec, err := s.manager.Lookup(ctx, id)
	if err == nil && rec.Expired(s.now()) {
		s.fail(c, fmt.Errorf("%s expired at %s: %w", id, rec.Expiry, fleeting.ErrFileNotFound))
		return
	}

	rc, blob, err := fleeting.Open(ctx, s.storer, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer rc.Close()

	contentType := blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(c.Writer, c.Request, blob.ID, blob.ModTime, rs)
		return
	}
	c.DataFromReader(http.StatusOK, blob.Size, contentType, rc, nil)
}

func (s *Server) delete(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("filename")

	if err := s.manager.DeleteOne(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	yall.FromContext(ctx).WithField("fleeting.id", id).Info("[httpapi] file deleted")
	c.JSON(http.StatusOK, gin.H{"message": "File deleted successfully"})
}
