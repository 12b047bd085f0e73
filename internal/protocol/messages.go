package protocol

import "time"

// SessionIntent asks the session executor for a lifecycle transition.
// Intents are applied strictly in arrival order; one that does not match
// the current state is dropped as a no-op.
type SessionIntent struct {
	Action string `json:"action"`
	Mode   string `json:"mode,omitempty"`
}

// ModelIntent asks the model layer to switch or install a model.
type ModelIntent struct {
	Action   string `json:"action"`
	FileName string `json:"file_name"`
}

// SessionEvent is broadcast on the bus for every observable session change.
// Fields beyond Type are populated per event type.
type SessionEvent struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"session_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Text         string    `json:"text,omitempty"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	TranscribeMS int64     `json:"transcribe_ms,omitempty"`
	Model        string    `json:"model,omitempty"`
	AutoCopied   bool      `json:"auto_copied,omitempty"`
	Annotation   string    `json:"annotation,omitempty"`
	StopReason   string    `json:"stop_reason,omitempty"`
	Message      string    `json:"message,omitempty"`
	Recoverable  bool      `json:"recoverable,omitempty"`
}

// ModelEvent reports download progress and terminal download outcomes.
type ModelEvent struct {
	Type            string    `json:"type"`
	FileName        string    `json:"file_name"`
	Timestamp       time.Time `json:"timestamp"`
	Percent         int       `json:"percent,omitempty"`
	BytesDownloaded int64     `json:"bytes_downloaded,omitempty"`
	TotalBytes      int64     `json:"total_bytes,omitempty"`
	Message         string    `json:"message,omitempty"`
}

// ModelStatus is one catalog entry in a status reply, derived at query time.
type ModelStatus struct {
	FileName    string `json:"file_name"`
	Label       string `json:"label"`
	Quality     string `json:"quality"`
	Installed   bool   `json:"installed"`
	Active      bool   `json:"active"`
	DownloadURL string `json:"download_url,omitempty"`
}

// AudioInputStatus reports capture device availability.
type AudioInputStatus struct {
	AvailableInputs   []string `json:"available_inputs"`
	DefaultInput      string   `json:"default_input"`
	DefaultSampleRate float64  `json:"default_sample_rate"`
	OK                bool     `json:"ok"`
	Message           string   `json:"message,omitempty"`
}

// StatusReply answers a request on SubjectSessionStatus.
type StatusReply struct {
	State       string           `json:"state"`
	SessionID   string           `json:"session_id,omitempty"`
	ActiveModel string           `json:"active_model"`
	Models      []ModelStatus    `json:"models"`
	Audio       AudioInputStatus `json:"audio"`
}

// HistoryQuery is a request on SubjectHistoryQuery.
type HistoryQuery struct {
	Op    string `json:"op"`
	Limit int    `json:"limit,omitempty"`
	Query string `json:"query,omitempty"`
	ID    int64  `json:"id,omitempty"`
	Text  string `json:"text,omitempty"`
}

// HistoryEntry is one stored transcript.
type HistoryEntry struct {
	ID         int64  `json:"id"`
	Text       string `json:"text"`
	CreatedAt  string `json:"created_at"`
	DurationMS int64  `json:"duration_ms"`
	Model      string `json:"model"`
}

// HistoryReply answers a HistoryQuery.
type HistoryReply struct {
	Entries []HistoryEntry `json:"entries,omitempty"`
	Deleted int64          `json:"deleted,omitempty"`
	Updated int64          `json:"updated,omitempty"`
	Error   string         `json:"error,omitempty"`
}

const (
	SubjectSessionIntent = "session.intent"
	SubjectSessionEvent  = "session.event"
	SubjectSessionStatus = "session.status"
	SubjectModelIntent   = "model.intent"
	SubjectModelEvent    = "model.event"
	SubjectHistoryQuery  = "history.query"
)

// Session intent actions. Toggle dispatches on the current state (start
// when idle, stop when recording) so a hotkey client needs no state of
// its own.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionCancel = "cancel"
	ActionToggle = "toggle"
)

// Model intent actions.
const (
	ActionSwitchActiveModel    = "switch_active_model"
	ActionEnsureModelInstalled = "ensure_model_installed"
)

// Recording modes.
const (
	ModeToggle     = "toggle"
	ModePushToTalk = "push-to-talk"
)

// Session event types.
const (
	EventRecordingStarted       = "recording-started"
	EventRecordingStopped       = "recording-stopped"
	EventTranscriptionComplete  = "transcription-complete"
	EventTranscriptionCancelled = "transcription-cancelled"
	EventTranscriptionError     = "transcription-error"
	EventNotice                 = "notice"
)

// Model event types.
const (
	EventModelDownloadProgress = "model-download-progress"
	EventModelDownloadComplete = "model-download-complete"
	EventModelDownloadFailed   = "model-download-failed"
)

// Stop reasons recorded on a session when recording ends.
const (
	StopReasonUser       = "user"
	StopReasonHardLimit  = "hard-limit"
	StopReasonDeviceLost = "device-lost"
)

// Annotations attached to an empty transcription result.
const (
	AnnotationTooShort = "too-short"
)

// EmptyTranscript replaces a transcript that came back blank, so clients
// always have something to show. History skips entries carrying it.
const EmptyTranscript = "(No speech detected)"

// History operations.
const (
	HistoryOpList   = "list"
	HistoryOpSearch = "search"
	HistoryOpUpdate = "update"
	HistoryOpDelete = "delete"
	HistoryOpClear  = "clear"
)
