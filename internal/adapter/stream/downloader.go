// Package stream fetches externally hosted media streams by shelling out to
// N_m3u8DL-RE, parsing its progress output.
package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"tgforward/internal/adapter/spool"
)

var progressPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)

// outputExtensions are probed in order after a successful run; the tool
// picks the container itself.
var outputExtensions = []string{".mp4", ".mkv", ".ts"}

// Downloader wraps the N_m3u8DL-RE binary.
type Downloader struct {
	binary    string
	spool     *spool.Spool
	toolTemp  string
	extraArgs []string
	headers   []string
	log       *zap.Logger
}

// NewDownloader locates the binary (M3U8_BINARY_PATH env, then PATH) and
// prepares temp directories under the spool. Extra tool arguments and HTTP
// headers come from M3U8_EXTRA_ARGS and M3U8_HEADERS.
func NewDownloader(sp *spool.Spool, log *zap.Logger) (*Downloader, error) {
	toolTemp := filepath.Join(sp.Dir(), "n_m3u8dl")
	if err := os.MkdirAll(toolTemp, 0o700); err != nil {
		return nil, fmt.Errorf("create tool temp dir: %w", err)
	}

	d := &Downloader{
		binary:   findBinary(),
		spool:    sp,
		toolTemp: toolTemp,
		log:      log,
	}
	if extra := strings.TrimSpace(os.Getenv("M3U8_EXTRA_ARGS")); extra != "" {
		d.extraArgs = strings.Fields(extra)
	}
	if headers := strings.TrimSpace(os.Getenv("M3U8_HEADERS")); headers != "" {
		for _, h := range strings.Split(headers, "\n") {
			if h = strings.TrimSpace(h); h != "" {
				d.headers = append(d.headers, h)
			}
		}
	}
	log.Info("stream downloader ready",
		zap.String("binary", d.binary), zap.String("spool", sp.Dir()))
	return d, nil
}

func findBinary() string {
	if env := os.Getenv("M3U8_BINARY_PATH"); env != "" {
		if _, err := os.Stat(env); err == nil {
			return env
		}
	}
	name := "N_m3u8DL-RE"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return name
}

// Fetch downloads the stream into the spool and returns the artifact path.
// Cancellation kills the subprocess.
func (d *Downloader) Fetch(ctx context.Context, url, filename string, progress func(pct float64)) (string, error) {
	args := []string{
		url,
		"--save-name", filename,
		"--save-dir", d.spool.Dir(),
		"--tmp-dir", d.toolTemp,
		"--auto-select",
		"--log-level", "INFO",
	}
	for _, h := range d.headers {
		args = append(args, "-H", h)
	}
	args = append(args, d.extraArgs...)

	cmd := exec.CommandContext(ctx, d.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	var stderrTail tailBuffer
	cmd.Stderr = &stderrTail

	d.log.Info("starting stream download", zap.String("url", url), zap.String("name", filename))
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", d.binary, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := progressPattern.FindAllStringSubmatch(line, -1); len(m) > 0 && progress != nil {
			if pct, err := strconv.ParseFloat(m[len(m)-1][1], 64); err == nil {
				progress(pct)
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s failed: %w: %s", d.binary, err, stderrTail.String())
	}

	for _, ext := range outputExtensions {
		candidate := d.spool.Path(filename + ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("download finished but no output file for %q", filename)
}

// Cleanup removes the artifact.
func (d *Downloader) Cleanup(path string) {
	if err := d.spool.Remove(path); err != nil {
		d.log.Warn("failed to remove artifact", zap.String("path", path), zap.Error(err))
	}
}

// tailBuffer keeps the last 8KB written, enough for error reporting.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > 8192 {
		t.buf = t.buf[len(t.buf)-8192:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return strings.TrimSpace(string(t.buf)) }

var _ io.Writer = (*tailBuffer)(nil)
