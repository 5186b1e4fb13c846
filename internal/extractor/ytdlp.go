package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

const progressFreq = 500 * time.Millisecond

// YtdlpExtractor implements Extractor on top of the yt-dlp command line tool
type YtdlpExtractor struct {
	binPath    string
	cookieFile string
	log        *slog.Logger
}

// NewYtdlpExtractor returns an extractor using the yt-dlp binary at binPath
// (empty means whatever is on PATH). cookieFile may be empty.
func NewYtdlpExtractor(binPath, cookieFile string, log *slog.Logger) *YtdlpExtractor {
	return &YtdlpExtractor{
		binPath:    binPath,
		cookieFile: cookieFile,
		log:        log,
	}
}

// infoJSON is the subset of yt-dlp's info dict we consume
type infoJSON struct {
	Title    string `json:"title"`
	Ext      string `json:"ext"`
	URL      string `json:"url"`
	Filename string `json:"_filename"`
}

// Resolve runs yt-dlp for the request. Link-only requests resolve a direct
// URL; otherwise the media is downloaded into req.DestDir.
func (e *YtdlpExtractor) Resolve(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	dl := ytdlp.New().NoPlaylist().PrintJSON()
	if e.binPath != "" {
		dl = dl.SetExecutable(e.binPath)
	}
	if e.cookieFile != "" {
		dl = dl.Cookies(e.cookieFile)
	}

	selector := req.Selector
	if selector == "" {
		selector = "best"
	}
	dl = dl.Format(selector)

	if req.LinkOnly {
		dl = dl.SkipDownload()
	} else {
		dl = dl.Output(filepath.Join(req.DestDir, "%(id)s.%(ext)s"))
		if onProgress != nil {
			dl = dl.ProgressFunc(progressFreq, func(update ytdlp.ProgressUpdate) {
				onProgress(update.Percent())
			})
		}
	}

	res, err := dl.Run(ctx, req.URL)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp: %w", err)
	}

	info, err := parseInfoJSON(res.Stdout)
	if err != nil {
		return nil, err
	}

	if req.LinkOnly {
		if info.URL == "" {
			return nil, fmt.Errorf("yt-dlp returned no direct url for %s", req.URL)
		}
		return &Result{DirectURL: info.URL}, nil
	}

	path := info.Filename
	if path == "" {
		path, err = newestFile(req.DestDir)
		if err != nil {
			return nil, fmt.Errorf("locate downloaded media: %w", err)
		}
	}

	return &Result{
		Path:      path,
		Filename:  outputFilename(info.Title, path),
		MediaType: mediaTypeForPath(path),
	}, nil
}

// parseInfoJSON decodes the last JSON object on yt-dlp's stdout. Playlist and
// multi-line output put the final info dict last.
func parseInfoJSON(stdout string) (*infoJSON, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var info infoJSON
		if err := json.Unmarshal([]byte(line), &info); err == nil {
			return &info, nil
		}
	}
	return nil, fmt.Errorf("no info json in yt-dlp output")
}

// outputFilename builds a client-facing filename from the media title
func outputFilename(title, path string) string {
	ext := filepath.Ext(path)
	if title == "" {
		return filepath.Base(path)
	}
	return sanitizeFilename(title) + ext
}

// sanitizeFilename strips characters that break Content-Disposition headers
// or filesystems.
func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '\n', '\r':
			return '_'
		}
		return r
	}, name)
}

// mediaTypeForPath guesses a content type from the file extension
func mediaTypeForPath(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// newestFile returns the most recently modified regular file in dir
func newestFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var newest string
	var newestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, entry.Name())
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no media file in %s", dir)
	}
	return newest, nil
}

// CookieFileFromEnv materializes cookie data from the named environment
// variable into a file under dir and returns its path. Returns empty when the
// variable is unset. The data is opaque pass-through for yt-dlp.
func CookieFileFromEnv(envVar, dir string) (string, error) {
	data := os.Getenv(envVar)
	if data == "" {
		return "", nil
	}

	path := filepath.Join(dir, "cookies.txt")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		return "", fmt.Errorf("write cookie file: %w", err)
	}
	return path, nil
}
