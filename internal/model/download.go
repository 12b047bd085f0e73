package model

import (
	"context"
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/scribelabs/scribe-core/internal/config"
)

// DownloadError is the terminal failure of a download job.
type DownloadError struct {
	FileName string
	Reason   string
	Err      error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download %s: %s: %v", e.FileName, e.Reason, e.Err)
	}
	return fmt.Sprintf("download %s: %s", e.FileName, e.Reason)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Progress reports bytes landed so far. TotalBytes is 0 until the server
// reveals the artifact size.
type Progress struct {
	FileName        string
	BytesDownloaded int64
	TotalBytes      int64
}

type ProgressFunc func(Progress)

// Downloader fetches model artifacts with resume support. Data accumulates
// in <target>.partial next to a .partial.json sidecar holding the confirmed
// offset and the hash state for the bytes so far; an interrupted transfer
// picks up with an HTTP range request instead of starting over. The final
// artifact appears at the target path only through an atomic rename after
// verification, so a previously installed model is never corrupted and a
// reader never observes a half-written file.
type Downloader struct {
	dir    string
	cfg    config.DownloadConfig
	client *http.Client
	logger *slog.Logger
}

func NewDownloader(dir string, cfg config.DownloadConfig, logger *slog.Logger) *Downloader {
	return &Downloader{
		dir:    dir,
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.With(slog.String("component", "model.download")),
	}
}

// EnsureInstalled downloads desc unless the artifact already exists.
// Attempts are bounded by download.max_attempts with exponential backoff
// between them; the partial file survives a final failure so a later call
// resumes instead of restarting.
func (d *Downloader) EnsureInstalled(ctx context.Context, desc Descriptor, onProgress ProgressFunc) error {
	target := filepath.Join(d.dir, desc.FileName)
	if info, err := os.Stat(target); err == nil && info.Mode().IsRegular() {
		return nil
	}
	if desc.DownloadURL == "" {
		return &DownloadError{FileName: desc.FileName, Reason: "no download URL"}
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return &DownloadError{FileName: desc.FileName, Reason: "create models dir", Err: err}
	}

	j := &job{
		desc:       desc,
		target:     target,
		partial:    target + ".partial",
		meta:       target + ".partial.json",
		onProgress: onProgress,
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Duration(d.cfg.BackoffInitialMS) * time.Millisecond
	expo.MaxInterval = time.Duration(d.cfg.BackoffMaxMS) * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		j.attempts++
		if err := d.runAttempt(ctx, j); err != nil {
			d.logger.Warn("download attempt failed",
				slog.String("model", desc.FileName),
				slog.Int("attempt", j.attempts),
				slog.String("error", err.Error()))
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(d.cfg.MaxAttempts)))

	if err != nil {
		return &DownloadError{
			FileName: desc.FileName,
			Reason:   fmt.Sprintf("failed after %d attempt(s)", j.attempts),
			Err:      err,
		}
	}

	d.logger.Info("model installed",
		slog.String("model", desc.FileName),
		slog.Int64("bytes", j.total),
		slog.Int("attempts", j.attempts))
	return nil
}

type job struct {
	desc       Descriptor
	target     string
	partial    string
	meta       string
	offset     int64
	total      int64
	hash       hash.Hash
	attempts   int
	onProgress ProgressFunc
}

type resumeState struct {
	URL       string `json:"url"`
	Offset    int64  `json:"offset"`
	Total     int64  `json:"total"`
	HashState []byte `json:"hash_state,omitempty"`
}

// runAttempt performs one HTTP pass: resume from the confirmed offset,
// stream to the partial file, and finish with verify + atomic rename when
// the artifact is complete. Any error leaves resumable state behind.
func (d *Downloader) runAttempt(ctx context.Context, j *job) error {
	if j.hash == nil {
		j.loadResume()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.desc.DownloadURL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	if j.offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", j.offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if j.offset > 0 {
			// Server ignored the range; start over.
			if err := j.reset(); err != nil {
				return err
			}
		}
		if resp.ContentLength > 0 {
			j.total = resp.ContentLength
		}
	case http.StatusPartialContent:
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			j.total = total
		} else if resp.ContentLength > 0 {
			j.total = j.offset + resp.ContentLength
		}
	case http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("artifact not found (%s)", resp.Status))
	case http.StatusRequestedRangeNotSatisfiable:
		if err := j.reset(); err != nil {
			return err
		}
		return fmt.Errorf("server rejected resume range")
	default:
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	file, err := os.OpenFile(j.partial, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open partial file: %w", err)
	}
	defer file.Close()

	buf := make([]byte, 128*1024)
	var sinceSave int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return backoff.Permanent(fmt.Errorf("write partial file: %w", err))
			}
			j.hash.Write(buf[:n])
			j.offset += int64(n)
			sinceSave += int64(n)
			if j.onProgress != nil {
				j.onProgress(Progress{FileName: j.desc.FileName, BytesDownloaded: j.offset, TotalBytes: j.total})
			}
			if sinceSave >= 4<<20 {
				j.saveResume()
				sinceSave = 0
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			j.saveResume()
			return fmt.Errorf("stream interrupted at %d bytes: %w", j.offset, readErr)
		}
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync partial file: %w", err)
	}
	j.saveResume()

	if j.total > 0 && j.offset < j.total {
		return fmt.Errorf("stream ended early at %d of %d bytes", j.offset, j.total)
	}
	if j.total == 0 {
		j.total = j.offset
	}

	if err := j.verify(); err != nil {
		// Discard the poisoned partial so the retry starts clean.
		os.Remove(j.partial)
		os.Remove(j.meta)
		j.hash = nil
		j.offset = 0
		return err
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("close partial file: %w", err)
	}
	if err := os.Rename(j.partial, j.target); err != nil {
		return backoff.Permanent(fmt.Errorf("install artifact: %w", err))
	}
	os.Remove(j.meta)
	if j.onProgress != nil {
		j.onProgress(Progress{FileName: j.desc.FileName, BytesDownloaded: j.total, TotalBytes: j.total})
	}
	return nil
}

func (j *job) verify() error {
	if j.desc.SHA256 != "" {
		sum := hex.EncodeToString(j.hash.Sum(nil))
		if !strings.EqualFold(sum, j.desc.SHA256) {
			return fmt.Errorf("checksum mismatch: got %s want %s", sum, j.desc.SHA256)
		}
		return nil
	}
	if j.offset != j.total {
		return fmt.Errorf("size mismatch: got %d want %d bytes", j.offset, j.total)
	}
	return nil
}

// loadResume restores offset, total and hash state from the sidecar. Any
// inconsistency falls back to a clean start.
func (j *job) loadResume() {
	j.hash = sha256.New()
	j.offset = 0
	j.total = 0

	data, err := os.ReadFile(j.meta)
	if err != nil {
		j.reset()
		return
	}
	var st resumeState
	if err := json.Unmarshal(data, &st); err != nil || st.URL != j.desc.DownloadURL || st.Offset <= 0 {
		j.reset()
		return
	}
	info, err := os.Stat(j.partial)
	if err != nil || info.Size() < st.Offset {
		j.reset()
		return
	}

	restored := false
	if len(st.HashState) > 0 {
		if u, ok := j.hash.(encoding.BinaryUnmarshaler); ok {
			if err := u.UnmarshalBinary(st.HashState); err == nil {
				restored = true
			}
		}
	}
	if !restored {
		if err := j.rehashPartial(st.Offset); err != nil {
			j.reset()
			return
		}
	}

	// Bytes past the confirmed offset were never recorded; drop them.
	if err := os.Truncate(j.partial, st.Offset); err != nil {
		j.reset()
		return
	}
	j.offset = st.Offset
	j.total = st.Total
}

func (j *job) rehashPartial(offset int64) error {
	file, err := os.Open(j.partial)
	if err != nil {
		return err
	}
	defer file.Close()
	j.hash = sha256.New()
	_, err = io.CopyN(j.hash, file, offset)
	return err
}

func (j *job) saveResume() {
	st := resumeState{URL: j.desc.DownloadURL, Offset: j.offset, Total: j.total}
	if m, ok := j.hash.(encoding.BinaryMarshaler); ok {
		if state, err := m.MarshalBinary(); err == nil {
			st.HashState = state
		}
	}
	if data, err := json.Marshal(st); err == nil {
		os.WriteFile(j.meta, data, 0o644)
	}
}

func (j *job) reset() error {
	j.hash = sha256.New()
	j.offset = 0
	j.total = 0
	os.Remove(j.meta)
	if err := os.Truncate(j.partial, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate partial file: %w", err)
	}
	return nil
}

func parseContentRangeTotal(header string) (int64, bool) {
	// Format: "bytes <start>-<end>/<total>".
	idx := strings.LastIndex(header, "/")
	if idx < 0 {
		return 0, false
	}
	total, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil || total <= 0 {
		return 0, false
	}
	return total, true
}
