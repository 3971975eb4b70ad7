package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/googleapi"

	"lecnotes/credentials"
)

// File states reported by the Files API.
const (
	fileProcessing = "PROCESSING"
	fileActive     = "ACTIVE"
	fileFailed     = "FAILED"
)

type remoteFile struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType"`
	State    string `json:"state"`
}

// Media is an audio file attached to a request.
type Media struct {
	Path string
	// MIMEType defaults to one derived from the file extension.
	MIMEType string
}

var audioTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".flac": "audio/flac",
	".webm": "audio/webm",
}

func (m *Media) mimeType() string {
	if m.MIMEType != "" {
		return m.MIMEType
	}
	ext := strings.ToLower(filepath.Ext(m.Path))
	if t, ok := audioTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); strings.HasPrefix(t, "audio/") {
		if i := strings.IndexByte(t, ';'); i > 0 {
			t = t[:i]
		}
		return t
	}
	return "audio/mpeg"
}

// inline encodes the media for endpoints that take it in the request body.
func (m *Media) inline() (*inlineData, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, fmt.Errorf("inference: read media: %w", err)
	}
	return &inlineData{MIMEType: m.mimeType(), Data: base64.StdEncoding.EncodeToString(data)}, nil
}

// upload sends the media through the resumable Files API protocol and waits
// until the service reports it ACTIVE.
func (c *Client) upload(ctx context.Context, cred credentials.Credential, m *Media) (*remoteFile, error) {
	f, err := os.Open(m.Path)
	if err != nil {
		return nil, fmt.Errorf("inference: open media: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("inference: stat media: %w", err)
	}

	meta, _ := json.Marshal(map[string]any{"file": map[string]string{"display_name": filepath.Base(m.Path)}})
	start, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBaseURL+"/upload/v1beta/files", bytes.NewReader(meta))
	if err != nil {
		return nil, err
	}
	c.authorize(start, cred)
	start.Header.Set("Content-Type", "application/json")
	start.Header.Set("X-Goog-Upload-Protocol", "resumable")
	start.Header.Set("X-Goog-Upload-Command", "start")
	start.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.FormatInt(info.Size(), 10))
	start.Header.Set("X-Goog-Upload-Header-Content-Type", m.mimeType())

	resp, err := c.http.Do(start)
	if err != nil {
		return nil, fmt.Errorf("inference: start upload: %w", err)
	}
	if err := c.check(resp, cred, ""); err != nil {
		return nil, err
	}
	resp.Body.Close()
	uploadURL := resp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return nil, fmt.Errorf("inference: start upload: no upload URL in response")
	}

	put, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, f)
	if err != nil {
		return nil, err
	}
	put.ContentLength = info.Size()
	put.Header.Set("X-Goog-Upload-Offset", "0")
	put.Header.Set("X-Goog-Upload-Command", "upload, finalize")

	resp, err = c.http.Do(put)
	if err != nil {
		return nil, fmt.Errorf("inference: upload media: %w", err)
	}
	if err := c.check(resp, cred, ""); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		File remoteFile `json:"file"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("inference: decode upload response: %w", err)
	}
	if out.File.MIMEType == "" {
		out.File.MIMEType = m.mimeType()
	}
	c.logger.Debug("media uploaded",
		slog.String("file", out.File.Name), slog.String("state", out.File.State), slog.Int64("bytes", info.Size()))

	return c.waitActive(ctx, cred, &out.File)
}

// waitActive polls the file until it leaves PROCESSING, for at most
// Config.UploadWait.
func (c *Client) waitActive(ctx context.Context, cred credentials.Credential, f *remoteFile) (*remoteFile, error) {
	deadline := time.Now().Add(c.cfg.UploadWait)
	for {
		switch f.State {
		case fileActive:
			return f, nil
		case fileFailed:
			return nil, fmt.Errorf("%w: %s reported FAILED", ErrMediaUploadFailure, f.Name)
		case "", fileProcessing:
		default:
			return nil, fmt.Errorf("%w: %s in unexpected state %q", ErrMediaUploadFailure, f.Name, f.State)
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s still %s after %v", ErrMediaUploadFailure, f.Name, f.State, c.cfg.UploadWait)
		}
		t := time.NewTimer(c.cfg.UploadPoll)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIBaseURL+"/v1beta/"+f.Name, nil)
		if err != nil {
			return nil, err
		}
		c.authorize(req, cred)
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("inference: poll upload: %w", err)
		}
		if err := c.check(resp, cred, ""); err != nil {
			return nil, err
		}
		next := &remoteFile{}
		err = json.NewDecoder(resp.Body).Decode(next)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("inference: decode file state: %w", err)
		}
		if next.MIMEType == "" {
			next.MIMEType = f.MIMEType
		}
		f = next
	}
}

// deleteFile removes an uploaded file. Failures only get logged.
func (c *Client) deleteFile(cred credentials.Credential, f *remoteFile) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.APIBaseURL+"/v1beta/"+f.Name, nil)
	if err != nil {
		return
	}
	c.authorize(req, cred)
	resp, err := c.http.Do(req)
	if err == nil {
		err = googleapi.CheckResponse(resp)
		resp.Body.Close()
	}
	if err != nil {
		c.logger.Debug("delete uploaded file failed", slog.String("file", f.Name), slog.String("error", err.Error()))
	}
}
