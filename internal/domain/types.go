package domain

import (
	"regexp"
	"strconv"
	"time"
)

var chapterDigits = regexp.MustCompile(`\d+`)

// chapterNoRegex extracts the first run of digits in chapterID, defaulting
// to 0 when none is present.
func chapterNoRegex(chapterID string) int {
	m := chapterDigits.FindString(chapterID)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}

// Visibility is the access scope of a Novel.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// NovelStatus tracks the lifecycle of a Novel's ingestion.
type NovelStatus string

const (
	NovelStatusCreated    NovelStatus = "created"
	NovelStatusUploaded   NovelStatus = "uploaded"
	NovelStatusProcessing NovelStatus = "processing"
	NovelStatusReady      NovelStatus = "ready"
	NovelStatusFailed     NovelStatus = "failed"
	NovelStatusDeleted    NovelStatus = "deleted"
)

// ChapterStatus tracks per-chapter stage progress.
type ChapterStatus string

const (
	ChapterPending          ChapterStatus = "pending"
	ChapterScenesDone       ChapterStatus = "scenes_done"
	ChapterScenesFailed     ChapterStatus = "scenes_failed"
	ChapterAnnotatedDone    ChapterStatus = "annotated_done"
	ChapterAnnotationFailed ChapterStatus = "annotation_failed"
	ChapterVectorized       ChapterStatus = "vectorized"
	ChapterVectorizeFailed  ChapterStatus = "vectorize_failed"
)

// PlotSignificance classifies how important a scene is to the main plot.
type PlotSignificance string

const (
	PlotHigh   PlotSignificance = "high"
	PlotMedium PlotSignificance = "medium"
	PlotLow    PlotSignificance = "low"
)

// ValidPlotSignificance is the set of accepted values.
var ValidPlotSignificance = map[PlotSignificance]bool{
	PlotHigh: true, PlotMedium: true, PlotLow: true,
}

// JobStatus is the lifecycle state of a PipelineJob.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// User is an authenticated owner of novels.
type User struct {
	ID               string
	Username         string
	PasswordVerifier string
	CreatedAt        time.Time
}

// AuthSession is a bearer-cookie backed session, owned by exactly one of
// UserID or GuestID.
type AuthSession struct {
	TokenHash  string
	UserID     string
	GuestID    string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	LastSeenAt time.Time
}

// Live reports whether the session is neither revoked nor expired.
func (s AuthSession) Live(now time.Time) bool {
	if s.RevokedAt != nil {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// SourceMeta records the uploaded raw source file.
type SourceMeta struct {
	Filename  string `json:"filename"`
	Bytes     int64  `json:"bytes"`
	CharCount int    `json:"char_count,omitempty"`
	LineCount int    `json:"line_count,omitempty"`
}

// Novel is the tenant of the knowledge base.
type Novel struct {
	ID          string
	OwnerUserID string
	Title       string
	Visibility  Visibility
	Status      NovelStatus
	Source      SourceMeta
	Stats       map[string]any
	LastJobID   string
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChapterRecord is one entry of the ChapterIndex manifest.
type ChapterRecord struct {
	ChapterID     string        `json:"chapter_id"`
	File          string        `json:"file"`
	Title         string        `json:"title"`
	CharCount     int           `json:"char_count"`
	Status        ChapterStatus `json:"status"`
	ScenesFile    string        `json:"scenes_file,omitempty"`
	AnnotatedFile string        `json:"annotated_file,omitempty"`
}

// ChapterIndex is the per-novel manifest and sole source of truth for stage
// progress.
type ChapterIndex struct {
	SourceFile    string          `json:"source_file"`
	TotalChapters int             `json:"total_chapters"`
	Chapters      []ChapterRecord `json:"chapters"`
}

// ChapterNo extracts the numeric chapter index from a chapter id. It
// defaults to 0 when the id carries no digits, per the uniform sentinel
// policy recorded in DESIGN.md.
func ChapterNo(chapterID string) int {
	return chapterNoRegex(chapterID)
}

// Scene is a narrative unit within a chapter.
type Scene struct {
	SceneIndex   int           `json:"scene_index"`
	Text         string        `json:"text"`
	CharCount    int           `json:"char_count"`
	SceneSummary string        `json:"scene_summary"`
	Metadata     *SceneMetadata `json:"metadata,omitempty"`
}

// SceneMetadata is the LLM-derived tag set attached to a scene in stage 3.
type SceneMetadata struct {
	Characters         []string          `json:"characters"`
	Location           string            `json:"location"`
	TimeDescription    string            `json:"time_description"`
	EventSummary       string            `json:"event_summary"`
	EmotionTone        string            `json:"emotion_tone"`
	KeyDialogues       []string          `json:"key_dialogues"`
	CharacterRelations []string          `json:"character_relations"`
	PlotSignificance   PlotSignificance  `json:"plot_significance"`
}

// DefaultSceneMetadata returns the documented all-defaults metadata used
// when annotation fails outright or fields are missing.
func DefaultSceneMetadata() SceneMetadata {
	return SceneMetadata{
		Characters:         []string{},
		Location:           "未知",
		TimeDescription:    "未知",
		EventSummary:       "场景描述",
		EmotionTone:        "中性",
		KeyDialogues:       []string{},
		CharacterRelations: []string{},
		PlotSignificance:   PlotMedium,
	}
}

// VectorPayload mirrors the Scene plus chapter-level context stored
// alongside each embedding in the vector store.
type VectorPayload struct {
	Text               string           `json:"text"`
	Chapter            string           `json:"chapter"`
	ChapterNo          int              `json:"chapter_no"`
	ChapterTitle       string           `json:"chapter_title"`
	SceneIndex         int              `json:"scene_index"`
	SceneSummary       string           `json:"scene_summary"`
	CharCount          int              `json:"char_count"`
	Characters         []string         `json:"characters"`
	Location           string           `json:"location"`
	TimeDescription    string           `json:"time_description"`
	EventSummary       string           `json:"event_summary"`
	EmotionTone        string           `json:"emotion_tone"`
	KeyDialogues       []string         `json:"key_dialogues"`
	CharacterRelations []string         `json:"character_relations"`
	PlotSignificance   PlotSignificance `json:"plot_significance"`
	Aliases            []string         `json:"aliases"`
	EntityTags         []string         `json:"entity_tags"`
	SpoilerLevel       int              `json:"spoiler_level"`
}

// CharacterProfile is a narrative dossier for a character with a frequency
// threshold above which stage 5 generates it.
type CharacterProfile struct {
	CanonicalName   string
	AppearanceCount int
	Body            string // Markdown
}

// PipelineRunSpec describes a requested pipeline invocation.
type PipelineRunSpec struct {
	Step        *int // nil means full run, steps 1..5
	Force       bool
	RedoChapter *int
}

// PipelineJob is an asynchronous unit of pipeline work.
type PipelineJob struct {
	ID          string
	NovelID     string
	OwnerUserID string
	Spec        PipelineRunSpec
	Status      JobStatus
	CurrentStep int
	Progress    float64
	LogPath     string
	Error       string
	Result      map[string]any
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// Turn is one message exchanged in a SessionState's rolling history.
type Turn struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"ts,omitempty"`
}

// SessionState is the conversation memory for one (scope, session id) pair.
type SessionState struct {
	SessionID         string   `json:"session_id"`
	MaxUnlockedChapter int     `json:"max_unlocked_chapter"`
	ActiveCharacters  []string `json:"active_characters"`
	CurrentScene      string   `json:"current_scene"`
	LongTermSummary   string   `json:"long_term_summary"`
	Turns             []Turn   `json:"turns"`
	RecentEntities    []string `json:"recent_entities"`
	UpdatedAt         string   `json:"updated_at,omitempty"`
}

const (
	MaxTurns          = 20
	MaxRecentEntities = 30
)

// QueryConstraints bounds retrieval by spoiler boundary and entity/location
// hints derived from query understanding.
type QueryConstraints struct {
	UnlockedChapter  int      `json:"unlocked_chapter"`
	ActiveCharacters []string `json:"active_characters"`
	LocationHints    []string `json:"location_hints"`
}

// QueryUnderstandingResult is the output of the query understanding
// component.
type QueryUnderstandingResult struct {
	Intent          string           `json:"intent"`
	NormalizedQuery string           `json:"normalized_query"`
	Entities        []string         `json:"entities"`
	Locations       []string         `json:"locations"`
	EventKeywords   []string         `json:"event_keywords"`
	Constraints     QueryConstraints `json:"constraints"`
}

// Intent labels recognized by query understanding, in detection priority
// order; an unmatched query falls back to IntentStoryRecap.
const (
	IntentCharacterRelation = "character_relation"
	IntentLocationQuery     = "location_query"
	IntentCanonCheck        = "canon_check"
	IntentNextAction        = "next_action"
	IntentStoryRecap        = "story_recap"
)

// Candidate is a single retrieved evidence unit before reranking.
type Candidate struct {
	SourceType   string // "scene" | "profile"
	SourceID     string
	DedupeKey    string
	Chapter      string
	ChapterNo    int
	HasChapterNo bool
	SceneIndex   int
	ChapterTitle string
	Text         string
	SceneSummary string
	EventSummary string
	Characters   []string
	Location     string
	Excerpt      string

	SemanticScore    float64
	EntityOverlap    float64
	NarrativeFit     float64
	RecencyInSession float64
	FinalScore       float64
}

// DedupeKeyFor computes a Candidate's dedupe key: scenes key on
// chapter+scene_index, every other source type keys on source_type+source_id.
func DedupeKeyFor(sourceType, sourceID, chapter string, sceneIndex int) string {
	if sourceType == "scene" {
		return "scene:" + chapter + ":" + strconv.Itoa(sceneIndex)
	}
	return sourceType + ":" + sourceID
}

// Fact is one worldbook entry sourced from a scene candidate.
type Fact struct {
	FactText      string  `json:"fact_text"`
	SourceChapter string  `json:"source_chapter"`
	SourceScene   int     `json:"source_scene"`
	Excerpt       string  `json:"excerpt"`
	Confidence    float64 `json:"confidence"`
}

// CharacterState is one worldbook entry sourced from a profile candidate.
type CharacterState struct {
	Character  string  `json:"character"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
}

// Citation points back to the evidence backing a Fact or CharacterState.
type Citation struct {
	SourceType  string `json:"source_type"`
	Chapter     string `json:"chapter,omitempty"`
	SceneIndex  *int   `json:"scene_index,omitempty"`
	Character   string `json:"character,omitempty"`
}

// WorldbookContext is the structured evidence payload handed to the final
// grounded reply.
type WorldbookContext struct {
	Facts          []Fact           `json:"facts"`
	CharacterState []CharacterState `json:"character_state"`
	TimelineNotes  []Fact           `json:"timeline_notes"`
	Forbidden      []string         `json:"forbidden"`
}
