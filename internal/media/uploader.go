// Package media uploads attachments to a Cloudinary-style unsigned upload
// endpoint: a multipart POST with "file" and "upload_preset" fields,
// answered by JSON carrying secure_url, resource_type and duration.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vibez/internal/message"
	"vibez/internal/pane"
)

var ErrNotConfigured = errors.New("media upload url or preset not configured")

type Uploader struct {
	url    string
	preset string
	http   *http.Client
}

func New(uploadURL, preset string) (*Uploader, error) {
	if uploadURL == "" || preset == "" {
		return nil, ErrNotConfigured
	}
	// No client timeout: large videos take a while and ctx cancels.
	return &Uploader{url: uploadURL, preset: preset, http: &http.Client{Transport: http.DefaultTransport}}, nil
}

// WithTimeout bounds every upload. Zero means no bound.
func (u *Uploader) WithTimeout(d time.Duration) *Uploader {
	u.http.Timeout = d
	return u
}

type uploadResponse struct {
	SecureURL    string  `json:"secure_url"`
	ResourceType string  `json:"resource_type"`
	Duration     float64 `json:"duration"`
}

// Upload streams a to the endpoint. progress, if set, receives the share
// of the file sent so far.
func (u *Uploader) Upload(ctx context.Context, a pane.Attachment, progress func(percent float64)) (message.File, error) {
	src, err := a.Open()
	if err != nil {
		return message.File{}, fmt.Errorf("open %s: %w", a.Name, err)
	}
	defer src.Close()

	pr, pw := io.Pipe()
	defer pr.Close()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(form, u.preset, a, &progressReader{r: src, total: a.Size, report: progress}))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, pr)
	if err != nil {
		return message.File{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	res, err := u.http.Do(req)
	if err != nil {
		return message.File{}, fmt.Errorf("upload %s: %w", a.Name, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return message.File{}, fmt.Errorf("upload %s failed: %d %s", a.Name, res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out uploadResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return message.File{}, fmt.Errorf("upload %s: invalid response: %w", a.Name, err)
	}
	if out.SecureURL == "" {
		return message.File{}, fmt.Errorf("upload %s: response has no secure_url", a.Name)
	}
	if progress != nil {
		progress(100)
	}

	f := message.File{URL: out.SecureURL, Type: a.ContentType, Name: a.Name}
	if out.ResourceType == "video" && out.Duration > 0 {
		f.Duration = out.Duration
	}
	return f, nil
}

func writeForm(form *multipart.Writer, preset string, a pane.Attachment, body io.Reader) error {
	if err := form.WriteField("upload_preset", preset); err != nil {
		return err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, a.Name))
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := form.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return form.Close()
}

type progressReader struct {
	r      io.Reader
	total  int64
	sent   int64
	report func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.sent += int64(n)
	if n > 0 && p.report != nil && p.total > 0 {
		// 100 is reported once the server has answered.
		p.report(min(float64(p.sent)*100/float64(p.total), 99))
	}
	return n, err
}

var _ pane.Uploader = (*Uploader)(nil)

// FromPath describes a local file as an attachment. The preview is the
// file's own URL until the upload replaces it.
func FromPath(path string) (pane.Attachment, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return pane.Attachment{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return pane.Attachment{}, err
	}
	if info.IsDir() {
		return pane.Attachment{}, fmt.Errorf("%s is a directory", path)
	}
	contentType := mime.TypeByExtension(filepath.Ext(abs))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return pane.Attachment{
		Name:        info.Name(),
		ContentType: contentType,
		Size:        info.Size(),
		Preview:     (&url.URL{Scheme: "file", Path: abs}).String(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(abs)
		},
	}, nil
}
