package ranking

import (
	"math"
	"time"
)

const (
	minScore = 0
	maxScore = 100

	// penaltyScale converts the share of the pool above the author cap into
	// score points.
	penaltyScale = 20

	newPostMaxInteractions = 3
	longContentThreshold   = 100
)

// ScoreBreakdown carries every intermediate value of one scoring pass.
type ScoreBreakdown struct {
	ItemID string `json:"item_id"`

	LikeScore     float64 `json:"like_score"`
	CommentScore  float64 `json:"comment_score"`
	FavoriteScore float64 `json:"favorite_score"`
	ViewScore     float64 `json:"view_score"`
	BaseScore     float64 `json:"base_score"`

	AgeDays      float64 `json:"age_days"`
	TimeFactor   float64 `json:"time_factor"`
	DecayedScore float64 `json:"decayed_score"`

	NewPostBonus float64 `json:"new_post_bonus"`
	ImageBonus   float64 `json:"image_bonus"`
	ContentBonus float64 `json:"content_bonus"`
	TopicBonus   float64 `json:"topic_bonus"`
	QualityBonus float64 `json:"quality_bonus"`

	EngagementRatio float64 `json:"engagement_ratio"`
	Multiplier      float64 `json:"multiplier"`

	AuthorRatio      float64 `json:"author_ratio"`
	DiversityPenalty float64 `json:"diversity_penalty"`

	RawScore    float64 `json:"raw_score"`
	Score       float64 `json:"score"`
	Clamped     bool    `json:"clamped"`
	Threshold   float64 `json:"threshold"`
	Recommended bool    `json:"recommended"`
}

// Score computes the recommendation score of item at time now.
func Score(item ContentItem, s AlgorithmSettings, now time.Time, snap DiversitySnapshot) (float64, bool) {
	b := ScoreDetailed(item, s, now, snap)
	return b.Score, b.Recommended
}

// ScoreDetailed is Score with all intermediate values exposed. The item
// itself is removed from snap before the author ratio is taken.
func ScoreDetailed(item ContentItem, s AlgorithmSettings, now time.Time, snap DiversitySnapshot) ScoreBreakdown {
	likes := nonNegative(item.LikeCount)
	comments := nonNegative(item.CommentCount)
	favorites := nonNegative(item.FavoriteCount)
	views := nonNegative(item.ViewCount)

	b := ScoreBreakdown{
		ItemID:        item.ID,
		LikeScore:     float64(likes) * s.LikeWeight,
		CommentScore:  float64(comments) * s.CommentWeight,
		FavoriteScore: float64(favorites) * s.CollectionWeight,
		ViewScore:     float64(views) * s.ViewWeight,
		Threshold:     s.ScoreThreshold,
	}
	b.BaseScore = b.LikeScore + b.CommentScore + b.FavoriteScore + b.ViewScore

	b.AgeDays = ageDays(item.PublishedAt, now)
	b.TimeFactor = timeFactor(b.AgeDays, s.TimeDecayDays)
	b.DecayedScore = b.BaseScore * b.TimeFactor

	if b.AgeDays < 1 && likes+comments+favorites < newPostMaxInteractions {
		b.NewPostBonus = s.NewPostBonus
	}

	if item.HasImages {
		b.ImageBonus = s.ImageBonus
	}
	if item.ContentLength > longContentThreshold {
		b.ContentBonus = s.ContentBonus
	}
	if item.TopicCount > 0 {
		b.TopicBonus = s.TopicBonus
	}
	b.QualityBonus = b.ImageBonus + b.ContentBonus + b.TopicBonus

	b.EngagementRatio = float64(comments) / float64(max(likes, 1))
	b.Multiplier = 1 + b.EngagementRatio*s.EngagementFactor

	b.AuthorRatio = snap.AuthorRatio(item.AuthorID, item.ID)
	b.DiversityPenalty = diversityPenalty(b.AuthorRatio, s.MaxSameAuthorRatio)

	b.RawScore = (b.DecayedScore+b.NewPostBonus+b.QualityBonus)*b.Multiplier - b.DiversityPenalty

	clamped := b.RawScore
	if math.IsNaN(clamped) {
		b.Clamped = true
		clamped = minScore
	}
	if clamped < minScore || clamped > maxScore {
		b.Clamped = true
		clamped = math.Max(minScore, math.Min(maxScore, clamped))
	}
	b.Score = round2(clamped)
	b.Recommended = b.Score >= s.ScoreThreshold
	return b
}

// MeetsMinInteraction reports whether the undecayed interaction score
// reaches the configured floor.
func (b ScoreBreakdown) MeetsMinInteraction(s AlgorithmSettings) bool {
	return b.BaseScore >= s.MinInteractionScore
}

func ageDays(published, now time.Time) float64 {
	d := now.Sub(published)
	if d < 0 {
		return 0
	}
	return d.Hours() / 24
}

// timeFactor decays exponentially with age; a non-positive decay period
// disables decay.
func timeFactor(ageDays, decayDays float64) float64 {
	if decayDays <= 0 {
		return 1
	}
	return math.Exp(-ageDays / decayDays)
}

func diversityPenalty(ratio, maxRatio float64) float64 {
	if ratio <= maxRatio {
		return 0
	}
	return (ratio - maxRatio) * penaltyScale
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
