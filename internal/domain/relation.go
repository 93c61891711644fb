package domain

import "time"

// Edge is a directed follow relationship.
type Edge struct {
	ID          string    `json:"id"`
	FollowerID  string    `json:"follower_id"`
	FollowingID string    `json:"following_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Counter is the denormalized degree projection of one entity.
type Counter struct {
	EntityID       string    `json:"entity_id"`
	FollowersCount int64     `json:"followers_count"`
	FollowingCount int64     `json:"following_count"`
	PostsCount     int64     `json:"posts_count"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// Outcome is the settled relationship state reported to callers.
type Outcome string

const (
	OutcomeFollowed         Outcome = "FOLLOWED"
	OutcomeAlreadyFollowing Outcome = "ALREADY_FOLLOWING"
	OutcomeUnfollowed       Outcome = "UNFOLLOWED"
	OutcomeNotFollowing     Outcome = "NOT_FOLLOWING"
	OutcomeError            Outcome = "ERROR"
)

// Following reports the relationship state the outcome leaves behind.
func (o Outcome) Following() bool {
	return o == OutcomeFollowed || o == OutcomeAlreadyFollowing
}

// EdgePage is one page of an edge listing.
type EdgePage struct {
	Edges      []Edge `json:"edges"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	Total      int64  `json:"total"`
	TotalPages int    `json:"total_pages"`
}

// NewEdgePage fills pagination metadata for edges.
func NewEdgePage(edges []Edge, page, pageSize int, total int64) *EdgePage {
	if edges == nil {
		edges = []Edge{}
	}
	totalPages := 0
	if pageSize > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return &EdgePage{
		Edges:      edges,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
	}
}

// Drift describes a counter row that disagreed with the edge set.
type Drift struct {
	EntityID        string `json:"entity_id"`
	StoredFollowers int64  `json:"stored_followers"`
	ActualFollowers int64  `json:"actual_followers"`
	StoredFollowing int64  `json:"stored_following"`
	ActualFollowing int64  `json:"actual_following"`
	Repaired        bool   `json:"repaired"`
}

// Detected reports whether stored and actual counts differ.
func (d *Drift) Detected() bool {
	return d.StoredFollowers != d.ActualFollowers || d.StoredFollowing != d.ActualFollowing
}

// ReconcileReport summarises a reconciliation sweep.
type ReconcileReport struct {
	Checked  int     `json:"checked"`
	Drifted  []Drift `json:"drifted"`
	Failures int     `json:"failures"`
}
