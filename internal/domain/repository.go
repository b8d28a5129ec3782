package domain

import "context"

// PlatformClient is the authenticated messaging-platform session the engine
// drives. The wire protocol behind it is out of scope; implementations map
// platform errors into the taxonomy in errors.go.
type PlatformClient interface {
	// ResolveChat turns a chat reference ("@name", "me", numeric id) into a
	// usable ChatRef. Unresolvable references yield a *ConfigurationError.
	ResolveChat(ctx context.Context, ref string) (ChatRef, error)

	// ListMessages returns up to limit messages with id > sinceID,
	// oldest-first.
	ListMessages(ctx context.Context, chat ChatRef, sinceID int, limit int) ([]CandidateMessage, error)

	// LatestMessageID returns the id of the newest message in the chat,
	// 0 for an empty chat.
	LatestMessageID(ctx context.Context, chat ChatRef) (int, error)

	// GetMessages fetches specific messages by id. Missing ids are omitted
	// from the result.
	GetMessages(ctx context.Context, chat ChatRef, ids []int) ([]CandidateMessage, error)

	// Forward relays messages by reference with attribution. Returns the
	// target message ids.
	Forward(ctx context.Context, from ChatRef, ids []int, to ChatRef) ([]int, error)

	// SendCopy recreates a single message at the target without attribution,
	// re-sending media by file reference where present.
	SendCopy(ctx context.Context, to ChatRef, msg CandidateMessage) (int, error)

	// SendAlbum recreates a media group as one multi-part post, preserving
	// member order.
	SendAlbum(ctx context.Context, to ChatRef, msgs []CandidateMessage) ([]int, error)

	// Download fetches the message's media into a local temp artifact.
	// The caller owns cleanup.
	Download(ctx context.Context, msg CandidateMessage) (string, error)

	// Upload sends a local artifact to the target as fresh media, preserving
	// the given attributes. Transfer parallelism and chunking follow
	// settings; progress, when non-nil, receives (uploaded, total) bytes.
	Upload(ctx context.Context, to ChatRef, path string, info MediaInfo, caption string, settings UploadSettings, progress func(uploaded, total int64)) (int, error)

	Close() error
}

// RuleStore is the durable table of forwarding rules and their sync state.
// SyncState rows are owned by the watcher: single writer per rule.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, id int64) (*Rule, error)
	GetRuleByName(ctx context.Context, name string) (*Rule, error)
	ListRules(ctx context.Context, enabledOnly bool) ([]Rule, error)
	UpdateRule(ctx context.Context, rule *Rule) error
	DeleteRule(ctx context.Context, id int64) error

	GetState(ctx context.Context, ruleID int64, namespace string) (*SyncState, error)
	// CommitState advances the anchor and counters after a cycle. lastMsgID
	// below the stored anchor is ignored; the anchor never regresses.
	CommitState(ctx context.Context, ruleID int64, namespace string, lastMsgID int, forwardedDelta int) error
	GetStates(ctx context.Context, namespace string) ([]SyncState, error)
}

// TaskStore persists background task records and their polled state.
type TaskStore interface {
	CreateTask(ctx context.Context, namespace, kind, details string) (int64, error)
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, namespace string) ([]Task, error)
	// ClaimPending atomically moves the oldest pending task to running and
	// returns it, or nil when none are pending.
	ClaimPending(ctx context.Context, namespace string) (*Task, error)
	UpdateTaskProgress(ctx context.Context, id int64, progress float64, stage string) error
	// FinishTask records a terminal status. Transitions out of a terminal
	// status are rejected.
	FinishTask(ctx context.Context, id int64, status TaskStatus, errMsg string) error
	DeleteTask(ctx context.Context, id int64) error
	// ReconcileOrphans marks tasks left running by a previous process as
	// failed. Returns the number of rows touched.
	ReconcileOrphans(ctx context.Context, namespace string) (int64, error)
}

// SettingsStore persists process-wide upload settings.
type SettingsStore interface {
	GetUploadSettings(ctx context.Context) (UploadSettings, error)
	SaveUploadSettings(ctx context.Context, s UploadSettings) error
}
