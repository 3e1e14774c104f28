package model

import (
	"math"
	"time"
)

// EngagementVelocity returns (favourites+reblogs) per hour of post age.
// Non-positive age yields 0.
func EngagementVelocity(favourites, reblogs int, age time.Duration) float64 {
	hours := age.Hours()
	if hours <= 0 {
		return 0
	}
	return float64(favourites+reblogs) / hours
}

// TrendingScore computes the synthetic popularity/freshness score for a post.
// Pure and side-effect-free; discovery-source multipliers are applied by the
// caller, not here.
func TrendingScore(p Post, velocity float64, now time.Time) float64 {
	total := float64(p.FavouritesCount) + 2*float64(p.ReblogsCount) + 0.5*float64(p.RepliesCount)

	age := now.Sub(p.CreatedAt)
	timeFactor := 0.2
	switch {
	case age <= time.Hour:
		timeFactor = 1.0
	case age <= 6*time.Hour:
		timeFactor = 0.9
	case age <= 12*time.Hour:
		timeFactor = 0.8
	case age <= 24*time.Hour:
		timeFactor = 0.6
	case age <= 48*time.Hour:
		timeFactor = 0.4
	}

	velocityBonus := velocity / 5.0
	if velocityBonus > 10.0 {
		velocityBonus = 10.0
	}

	quality := 1.0
	if len(p.Content) > 200 {
		quality += 0.2
	} else if len(p.Content) > 100 {
		quality += 0.1
	}
	if len(p.MediaAttachments) > 0 {
		quality += 0.15
	}
	tagBonus := 0.05 * float64(len(p.Hashtags))
	if tagBonus > 0.25 {
		tagBonus = 0.25
	}
	quality += tagBonus

	score := total*quality*timeFactor + velocityBonus
	if score < 0 {
		score = 0
	}
	return math.Round(score*100) / 100
}

// SourceMultiplier returns the strategy-specific trending bonus.
func SourceMultiplier(source string) float64 {
	switch source {
	case SourceHashtag:
		return 1.2
	case SourceCreator:
		return 1.1
	}
	return 1.0
}
