package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tgforward/internal/domain"
)

// TaskKindStreamRelay fetches an externally hosted media stream and
// publishes it to a chat.
const TaskKindStreamRelay = "stream-relay"

// StreamDetails are the job parameters of a stream-relay task.
type StreamDetails struct {
	URL      string `json:"url"`
	Dest     string `json:"dest"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// NewStreamDetails builds task details, generating a unique filename when
// none is given.
func NewStreamDetails(url, dest, filename, caption string) (string, error) {
	if filename == "" {
		filename = fmt.Sprintf("video_%s_%s",
			time.Now().Format("20060102_150405"), uuid.NewString()[:8])
	}
	b, err := json.Marshal(StreamDetails{URL: url, Dest: dest, Filename: filename, Caption: caption})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// StreamFetcher pulls a remote stream into a local artifact. Implementations
// must honor ctx cancellation and report download percentage.
type StreamFetcher interface {
	Fetch(ctx context.Context, url, filename string, progress func(pct float64)) (string, error)
	Cleanup(path string)
}

// StreamRelay is the task runner for stream-relay jobs: download the stream,
// upload the result to the destination chat, clean up the artifact on every
// exit path.
type StreamRelay struct {
	fetcher  StreamFetcher
	client   domain.PlatformClient
	settings *SettingsHolder
	log      *zap.Logger
}

func NewStreamRelay(fetcher StreamFetcher, client domain.PlatformClient, settings *SettingsHolder, log *zap.Logger) *StreamRelay {
	return &StreamRelay{fetcher: fetcher, client: client, settings: settings, log: log}
}

func (r *StreamRelay) Kind() string { return TaskKindStreamRelay }

func (r *StreamRelay) Run(ctx context.Context, task *domain.Task, report ProgressFunc) error {
	var details StreamDetails
	if err := json.Unmarshal([]byte(task.Details), &details); err != nil {
		return fmt.Errorf("bad task details: %w", err)
	}
	if details.URL == "" || details.Dest == "" {
		return fmt.Errorf("task details missing url or dest")
	}

	// Settings snapshot at dispatch; later changes do not affect this task.
	settings := r.settings.Get()

	report(0, "downloading")
	path, err := r.fetcher.Fetch(ctx, details.URL, details.Filename, func(pct float64) {
		report(pct, "downloading")
	})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", details.URL, err)
	}
	defer r.fetcher.Cleanup(path)

	if err := ctx.Err(); err != nil {
		return err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("downloaded artifact is empty")
	}

	target, err := r.client.ResolveChat(ctx, details.Dest)
	if err != nil {
		return err
	}

	report(0, "uploading")
	info := domain.MediaInfo{
		Kind:     domain.MediaVideo,
		Filename: filepath.Base(path),
		MimeType: "video/mp4",
		Size:     fi.Size(),
	}
	_, err = r.client.Upload(ctx, target, path, info, details.Caption, settings,
		func(uploaded, total int64) {
			if total > 0 {
				report(float64(uploaded)/float64(total)*100, "uploading")
			}
		})
	if err != nil {
		return fmt.Errorf("upload to %s: %w", details.Dest, err)
	}

	r.log.Info("stream relayed",
		zap.String("url", details.URL),
		zap.String("dest", details.Dest),
		zap.Int64("size", fi.Size()))
	return nil
}
