package grabhttp

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/grabber/internal/utils"
)

const DefaultProbeTimeout = 3 * time.Second

var rawFilenameRegex = regexp.MustCompile(`(?i)filename\*?\s*=\s*"?([^";]+)"?`)

// FileInfo describes a remote file. FileSize is -1 when the server does not
// report it.
type FileInfo struct {
	FileName string
	FileSize int64
}

// Probe issues a HEAD request for rawURL and waits at most timeout for the
// response. A non-positive timeout uses DefaultProbeTimeout.
func Probe(ctx context.Context, client utils.HTTPDoer, rawURL string, timeout time.Duration) (FileInfo, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return FileInfo{}, err
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return FileInfo{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Debug().Str("op", "http/probe").Msgf("HEAD %s timed out after %s", u, timeout)
			return FileInfo{}, ErrTimeout
		}
		return FileInfo{}, &TransportError{Op: http.MethodHead, URL: u.String(), Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return FileInfo{}, statusError(http.MethodHead, u.String(), resp.StatusCode)
	}

	info := FileInfo{
		FileName: fileNameFromDisposition(resp.Header.Get("Content-Disposition")),
		FileSize: -1,
	}
	if info.FileName == "" {
		info.FileName = fileNameFromURL(u)
	}
	if contentLength := resp.Header.Get("Content-Length"); contentLength != "" {
		if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil && size >= 0 {
			info.FileSize = size
		}
	}
	log.Debug().Str("op", "http/probe").Str("file", info.FileName).Int64("size", info.FileSize).Msgf("Probed %s", u)
	return info, nil
}

func fileNameFromDisposition(contentDisposition string) string {
	if contentDisposition == "" {
		return ""
	}
	filename := ""
	if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
		// mime decodes RFC 2231 filename* into filename
		filename = params["filename"]
	} else if matches := rawFilenameRegex.FindStringSubmatch(contentDisposition); len(matches) > 1 {
		filename = strings.TrimSpace(matches[1])
		if strings.HasPrefix(strings.ToUpper(filename), "UTF-8''") {
			if unescaped, err := url.PathUnescape(filename[len("UTF-8''"):]); err == nil {
				filename = unescaped
			}
		}
	}
	return baseName(filename)
}

func fileNameFromURL(u *url.URL) string {
	return baseName(u.Path)
}

func baseName(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" || strings.HasSuffix(p, "/") {
		return ""
	}
	name := path.Base(p)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
