package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tgforward/internal/domain"
)

// CLIConfig holds the configuration parsed from command line arguments.
type CLIConfig struct {
	Command     string
	AppID       int
	AppHash     string
	SessionPath string

	DBPath         string
	Namespace      string
	SpoolDir       string
	NonInteractive bool

	// watch
	PageSize        int
	QuietWindow     time.Duration
	PollInterval    time.Duration
	RuleConcurrency int
	Pacing          time.Duration

	// forward
	Links       []string
	Dest        string
	Mode        string
	DetectAlbum bool

	// upload tunables (watch)
	UploadThreads int
	TaskLimit     int
	UploadPartKB  int
}

// ParseCLI parses command line arguments and environment variables.
func ParseCLI(appIDDef string, appHashDef string) (*CLIConfig, error) {
	if len(os.Args) < 2 {
		return nil, fmt.Errorf("usage: tgforward <command> [flags]\nCommands: watch, forward")
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)

	cfg := &CLIConfig{Command: cmd}

	fs.StringVar(&cfg.DBPath, "db", "", "Path to the sqlite database (default: <session dir>/tgforward.db)")
	fs.StringVar(&cfg.Namespace, "namespace", "default", "Account namespace for state and tasks")
	fs.StringVar(&cfg.SpoolDir, "spool-dir", "", "Directory for temp media artifacts (default: system temp)")
	fs.BoolVar(&cfg.NonInteractive, "non-interactive", false, "Fail instead of prompting when authorization is needed")

	switch cmd {
	case "watch":
		fs.IntVar(&cfg.PageSize, "page-size", 200, "Messages fetched per sync page")
		fs.DurationVar(&cfg.QuietWindow, "quiet-window", 3*time.Second, "Media group quiet window")
		fs.DurationVar(&cfg.PollInterval, "poll-interval", 15*time.Second, "Scheduler poll interval")
		fs.IntVar(&cfg.RuleConcurrency, "rule-concurrency", 4, "Rules synced concurrently")
		fs.DurationVar(&cfg.Pacing, "pacing", 0, "Delay between forwarded units within a cycle")
		fs.IntVar(&cfg.UploadThreads, "upload-threads", 0, "Override stored upload thread count (0 = use stored)")
		fs.IntVar(&cfg.TaskLimit, "task-limit", 0, "Override stored concurrent task limit (0 = use stored)")
		fs.IntVar(&cfg.UploadPartKB, "upload-part-kb", 0, "Override stored upload part size in KB (0 = use stored)")
	case "forward":
		fs.StringVar(&cfg.Dest, "dest", "me", "Destination chat (@username, numeric id, or me)")
		fs.StringVar(&cfg.Mode, "mode", string(domain.ModeClone), "Forward mode: clone or direct")
		fs.BoolVar(&cfg.DetectAlbum, "detect-album", true, "Forward complete media groups as albums")
	default:
		return nil, fmt.Errorf("unknown command: %s\nCommands: watch, forward", cmd)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		return nil, err
	}

	if cmd == "forward" {
		cfg.Links = fs.Args()
		if len(cfg.Links) == 0 {
			return nil, fmt.Errorf("forward requires at least one t.me message link")
		}
		if cfg.Mode != string(domain.ModeClone) && cfg.Mode != string(domain.ModeDirect) {
			return nil, fmt.Errorf("invalid mode %q: use clone or direct", cfg.Mode)
		}
	}

	appIDStr := os.Getenv("APP_ID")
	if appIDDef != "" {
		appIDStr = appIDDef
	}
	appHashStr := os.Getenv("APP_HASH")
	if appHashDef != "" {
		appHashStr = appHashDef
	}

	if appIDStr == "" || appHashStr == "" {
		return nil, fmt.Errorf("AppID and AppHash must be provided via ldflags or env vars (APP_ID/APP_HASH)")
	}

	var err error
	cfg.AppID, err = strconv.Atoi(appIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid AppID: %v", err)
	}
	cfg.AppHash = appHashStr

	cfg.SessionPath, err = GetSessionPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get session path: %v", err)
	}

	if cfg.DBPath == "" {
		dir, err := GetDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DBPath = filepath.Join(dir, "tgforward.db")
	}

	return cfg, nil
}
