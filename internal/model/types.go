package model

import "time"

// Lifecycle stages for a stored post. Transitions only move forward.
const (
	StageFresh    = "fresh"
	StageRelevant = "relevant"
	StageArchive  = "archive"
	StagePurged   = "purged"
)

// Discovery sources.
const (
	SourceTimeline = "timeline"
	SourceHashtag  = "hashtag"
	SourceCreator  = "creator"
)

// MediaAttachment is a subset of a status attachment.
type MediaAttachment struct {
	Type string
	URL  string
}

// Mention references another account in a post.
type Mention struct {
	ID   string
	Acct string
}

// Post is a status parsed from a remote server's public API.
// Immutable once fetched; reblogs are filtered out at parse time.
type Post struct {
	ID               string
	URL              string
	Content          string
	CreatedAt        time.Time
	AuthorID         string
	AuthorAcct       string
	AuthorDisplay    string
	AuthorAvatar     string
	AuthorBio        string
	FavouritesCount  int
	ReblogsCount     int
	RepliesCount     int
	Language         string // server-supplied, may be empty
	Visibility       string
	Sensitive        bool
	Hashtags         []string
	MediaAttachments []MediaAttachment
	Mentions         []Mention
	Emojis           []string
	InReplyToID      string
	InReplyToAcctID  string
	HasPoll          bool
	HasCard          bool
}

// ProfileField is a name/value pair from an account's profile metadata.
type ProfileField struct {
	Name  string
	Value string
}

// Profile is a subset of a remote account used for opt-out checks and
// creator sampling.
type Profile struct {
	ID             string
	Acct           string
	Username       string
	DisplayName    string
	Note           string
	Avatar         string
	Bot            bool
	Fields         []ProfileField
	FollowersCount int
	FollowingCount int
	StatusesCount  int
}

// Tag is a trending hashtag with aggregate usage.
type Tag struct {
	Name string
	URL  string
	Uses int
}

// CrawledPost is the stored form of a discovered post. Content fields are
// never mutated after insert; only Stage and LastUpdated change.
type CrawledPost struct {
	Post
	SourceInstance     string
	DetectedLanguage   string
	EngagementVelocity float64
	TrendingScore      float64
	DiscoverySource    string
	DiscoveryDetail    string // e.g. the specific hashtag
	DiscoveredAt       time.Time
	CrawlSessionID     string
	Stage              string
	LastUpdated        time.Time
}

// OptOutStatus is the cacheable result of an author opt-out check.
type OptOutStatus struct {
	AuthorAcct string    `json:"author_acct"`
	OptedOut   bool      `json:"opted_out"`
	TagsFound  []string  `json:"tags_found,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// StageRank orders lifecycle stages so the sweep can enforce forward-only
// transitions. Unknown stages rank lowest.
func StageRank(stage string) int {
	switch stage {
	case StageFresh:
		return 1
	case StageRelevant:
		return 2
	case StageArchive:
		return 3
	case StagePurged:
		return 4
	}
	return 0
}
