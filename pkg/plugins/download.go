package plugins

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/wazo-pbx/xivo-provisioning/pkg/operation"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
	"github.com/wazo-pbx/xivo-provisioning/pkg/version"
)

const (
	defaultRetryAttempts = 3
	defaultRetryDelay    = 500 * time.Millisecond
)

// DownloadSpec names one file to fetch: where from, where to, and what
// the catalog says about it. Size 0 means unknown; an empty SHA1Sum
// skips integrity verification.
type DownloadSpec struct {
	URL     string
	Dest    string
	Size    int64
	SHA1Sum string
}

// Downloader fetches plugin packages and catalogs over HTTP. It honors
// the per-scheme proxies of the configure service, reports byte
// progress through operation handles and retries transient transport
// failures with exponential backoff.
type Downloader struct {
	mu      sync.Mutex
	proxies map[string]string

	client        *http.Client
	retryAttempts int
	retryDelay    time.Duration
}

// NewDownloader creates a downloader with no proxies configured.
func NewDownloader() *Downloader {
	d := &Downloader{
		proxies:       make(map[string]string),
		retryAttempts: defaultRetryAttempts,
		retryDelay:    defaultRetryDelay,
	}
	d.client = &http.Client{
		Transport: &http.Transport{
			Proxy:                 d.proxyFor,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
	return d
}

// SetProxy sets the proxy URL used for requests of the given scheme.
// An empty URL removes the proxy.
func (d *Downloader) SetProxy(scheme, proxyURL string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if proxyURL == "" {
		delete(d.proxies, scheme)
		return
	}
	d.proxies[scheme] = proxyURL
}

// Proxy returns the proxy URL configured for the given scheme, or the
// empty string.
func (d *Downloader) Proxy(scheme string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proxies[scheme]
}

func (d *Downloader) proxyFor(req *http.Request) (*url.URL, error) {
	raw := d.Proxy(req.URL.Scheme)
	if raw == "" {
		return nil, nil
	}
	return url.Parse(raw)
}

// Download fetches spec.URL into spec.Dest through a temp file renamed
// into place. Byte progress advances oip; the operation's state is the
// caller's to set. Transport errors and server errors are retried with
// exponential backoff, digest mismatches and client errors are not.
func (d *Downloader) Download(spec DownloadSpec, oip *operation.OIP) error {
	if err := os.MkdirAll(filepath.Dir(spec.Dest), 0755); err != nil {
		return fmt.Errorf("download %s: %w", spec.URL, err)
	}

	progress := &downloadProgress{oip: oip}
	delay := d.retryDelay
	var lastErr error
	for attempt := 0; attempt < d.retryAttempts; attempt++ {
		if attempt > 0 {
			util.Debugf("download: retrying %s in %s: %v", spec.URL, delay, lastErr)
			time.Sleep(delay)
			delay *= 2
		}
		retryable, err := d.downloadOnce(spec, progress)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("download %s: %w", spec.URL, lastErr)
}

// downloadOnce performs a single download attempt. The boolean reports
// whether the error is worth retrying.
func (d *Downloader) downloadOnce(spec DownloadSpec, progress *downloadProgress) (bool, error) {
	req, err := http.NewRequest(http.MethodGet, spec.URL, nil)
	if err != nil {
		return false, fmt.Errorf("download %s: %w", spec.URL, err)
	}
	req.Header.Set("User-Agent", "xivo-provisioning/"+version.Version)

	resp, err := d.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("download %s: %w", spec.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download %s: unexpected status %s", spec.URL, resp.Status)
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests, err
	}
	if spec.Size == 0 && resp.ContentLength > 0 && progress.oip != nil {
		progress.oip.SetEnd(resp.ContentLength)
	}

	tmp, err := os.CreateTemp(filepath.Dir(spec.Dest), "."+filepath.Base(spec.Dest)+".*")
	if err != nil {
		return false, fmt.Errorf("download %s: %w", spec.URL, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	progress.startAttempt()
	hasher := sha1.New()
	reader := &countingReader{r: resp.Body, progress: progress}
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), reader); err != nil {
		return true, fmt.Errorf("download %s: %w", spec.URL, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("download %s: %w", spec.URL, err)
	}

	if spec.SHA1Sum != "" {
		sum := hex.EncodeToString(hasher.Sum(nil))
		if sum != spec.SHA1Sum {
			return false, fmt.Errorf("download %s: sha1 mismatch: got %s, want %s", spec.URL, sum, spec.SHA1Sum)
		}
	}
	if err := os.Rename(tmp.Name(), spec.Dest); err != nil {
		return false, fmt.Errorf("download %s: %w", spec.URL, err)
	}
	return false, nil
}

// DownloadAll fetches the specs in order, attaching one sub-operation
// per file to parent. The first failure aborts the batch.
func (d *Downloader) DownloadAll(specs []DownloadSpec, parent *operation.OIP) error {
	for _, spec := range specs {
		label := path.Base(spec.URL)
		var sub *operation.OIP
		if spec.Size > 0 {
			sub = operation.NewWithEnd(label, spec.Size)
		} else {
			sub = operation.New(label)
		}
		if parent != nil {
			parent.AddSub(sub)
		}
		if err := d.Download(spec, sub); err != nil {
			sub.Fail()
			return err
		}
		sub.Success()
	}
	return nil
}

// downloadProgress keeps the operation counter monotone across retried
// attempts: only bytes past the previous attempts' high-water mark
// advance the operation.
type downloadProgress struct {
	oip       *operation.OIP
	highWater int64
	attempt   int64
}

func (p *downloadProgress) startAttempt() {
	p.attempt = 0
}

func (p *downloadProgress) add(n int) {
	p.attempt += int64(n)
	if p.oip != nil && p.attempt > p.highWater {
		p.oip.Advance(p.attempt - p.highWater)
		p.highWater = p.attempt
	}
}

type countingReader struct {
	r        io.Reader
	progress *downloadProgress
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	if n > 0 {
		c.progress.add(n)
	}
	return n, err
}
