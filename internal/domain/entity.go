package domain

import "time"

// ForwardMode selects how a message is relayed to the target chat.
type ForwardMode string

const (
	// ModeClone recreates the content at the target without attribution.
	ModeClone ForwardMode = "clone"
	// ModeDirect forwards by reference, preserving the "forwarded from" header.
	ModeDirect ForwardMode = "direct"
)

// Rule is a forwarding rule as stored in the rules table.
type Rule struct {
	ID               int64
	Name             string
	SourceChat       string
	TargetChat       string
	Mode             ForwardMode
	IntervalMin      int
	FilterSpec       string
	DetectAlbum      bool
	MediaPassthrough bool
	Enabled          bool
	Note             string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SyncState is the per-rule sync anchor. LastMsgID only advances to ids that
// have been durably forwarded or deliberately skipped.
type SyncState struct {
	RuleID         int64
	Namespace      string
	LastMsgID      int
	TotalForwarded int
	LastSyncAt     time.Time

	// Joined from the rules table for the states view.
	RuleName   string
	SourceChat string
	TargetChat string
}

// ChatKind is the peer type behind a resolved chat reference.
type ChatKind string

const (
	ChatUser    ChatKind = "user"
	ChatGroup   ChatKind = "group"
	ChatChannel ChatKind = "channel"
)

// ChatRef is a resolved chat reference usable for platform calls.
type ChatRef struct {
	ID   int64
	Hash int64
	Kind ChatKind
	Raw  string
	// NoForwards is set when the chat forbids direct relay of its content.
	NoForwards bool
}

// MediaKind classifies message media.
type MediaKind string

const (
	MediaNone      MediaKind = ""
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAudio     MediaKind = "audio"
	MediaVoice     MediaKind = "voice"
	MediaDocument  MediaKind = "document"
	MediaAnimation MediaKind = "animation"
	MediaSticker   MediaKind = "sticker"
)

// MediaInfo carries the attributes preserved across a download/re-upload.
type MediaInfo struct {
	Kind     MediaKind
	Filename string
	MimeType string
	Size     int64
	Width    int
	Height   int
	Duration int // seconds, video/audio
}

// CandidateMessage is an ephemeral message pulled from the source chat.
// Produced by the platform client, consumed within one sync cycle.
type CandidateMessage struct {
	ID         int
	Chat       ChatRef
	Date       time.Time
	Text       string
	Media      *MediaInfo
	GroupID    int64 // 0 = not part of a media group
	Restricted bool
}

// Unit is what the filter and forwarder operate on: a singleton message or a
// complete media group, members in original order.
type Unit struct {
	Messages []CandidateMessage
}

// NewSingleton wraps one message as a unit.
func NewSingleton(msg CandidateMessage) Unit {
	return Unit{Messages: []CandidateMessage{msg}}
}

// IsGroup reports whether the unit is a multi-item media group.
func (u Unit) IsGroup() bool { return len(u.Messages) > 1 }

// MaxID returns the highest message id in the unit.
func (u Unit) MaxID() int {
	max := 0
	for _, m := range u.Messages {
		if m.ID > max {
			max = m.ID
		}
	}
	return max
}

// MinID returns the lowest message id in the unit.
func (u Unit) MinID() int {
	min := 0
	for _, m := range u.Messages {
		if min == 0 || m.ID < min {
			min = m.ID
		}
	}
	return min
}

// Text returns the unit's text content: for groups, the first non-empty caption.
func (u Unit) Text() string {
	for _, m := range u.Messages {
		if m.Text != "" {
			return m.Text
		}
	}
	return ""
}

// HasMedia reports whether any member carries media.
func (u Unit) HasMedia() bool {
	for _, m := range u.Messages {
		if m.Media != nil {
			return true
		}
	}
	return false
}

// Restricted reports whether any member comes from a no-forwards source.
func (u Unit) Restricted() bool {
	for _, m := range u.Messages {
		if m.Restricted {
			return true
		}
	}
	return false
}

// ForwardOutcome is the result of relaying one unit.
type ForwardOutcome struct {
	Success      bool
	SourceMsgID  int
	TargetMsgIDs []int
	ModeUsed     ForwardMode
	Downloaded   bool
	Err          error
}

// SyncReport summarises one sync cycle for a rule.
type SyncReport struct {
	RuleName          string
	MessagesFound     int
	UnitsForwarded    int
	MessagesForwarded int
	UnitsFailed       int
	NewLastMsgID      int
	Err               error
}

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is a long-running background job tracked in the tasks table.
// Status transitions are monotone: pending -> running -> terminal. Failed and
// cancelled tasks are retried by cloning into a new pending task.
type Task struct {
	ID        int64
	Namespace string
	Kind      string
	Status    TaskStatus
	Progress  float64 // 0-100
	Stage     string
	Details   string // JSON job parameters
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UploadSettings are process-wide transfer tunables, read at task dispatch.
type UploadSettings struct {
	Threads    int // parallel transfer streams per task
	Limit      int // max concurrently running tasks
	PartSizeKB int // upload chunk size
}

const (
	DefaultUploadThreads = 4
	DefaultUploadLimit   = 2
	DefaultUploadPartKB  = 256
	MaxUploadThreads     = 32
	MaxUploadLimit       = 8
	MaxUploadPartKB      = 512
)

// Normalize clamps settings into their valid ranges, applying defaults for
// zero values.
func (s UploadSettings) Normalize() UploadSettings {
	if s.Threads == 0 {
		s.Threads = DefaultUploadThreads
	}
	if s.Limit == 0 {
		s.Limit = DefaultUploadLimit
	}
	if s.PartSizeKB == 0 {
		s.PartSizeKB = DefaultUploadPartKB
	}
	s.Threads = clamp(s.Threads, 1, MaxUploadThreads)
	s.Limit = clamp(s.Limit, 1, MaxUploadLimit)
	s.PartSizeKB = clamp(s.PartSizeKB, 1, MaxUploadPartKB)
	return s
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Clock abstracts time for deterministic tests. All engine waits go through
// After so a fake clock can drive them.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
