// Package points computes disposal rewards and user levels.
package points

import "math"

const (
	pointsPerLevel = 100
	maxMultiplier  = 10.0
	defaultBase    = 5
)

var basePoints = map[string]int{
	"GENERAL":    5,
	"RECYCLABLE": 10,
	"ORGANIC":    8,
	"HAZARDOUS":  20,
	"ELECTRONIC": 15,
}

// Base returns the base points for a waste type; unknown types earn 5.
func Base(wasteType string) int {
	if p, ok := basePoints[wasteType]; ok {
		return p
	}
	return defaultBase
}

// PointsFor returns the points awarded for one disposal. With a weight the
// base is scaled by min(weight*2, 10) and rounded half away from zero.
func PointsFor(wasteType string, weightKg *float64) int {
	base := Base(wasteType)
	if weightKg == nil {
		return base
	}
	multiplier := math.Min(*weightKg*2, maxMultiplier)
	return int(math.Round(float64(base) * multiplier))
}

// ApplyCampaign scales points by a campaign bonus multiplier.
func ApplyCampaign(points int, multiplier float64) int {
	if multiplier <= 0 {
		return points
	}
	return int(math.Round(float64(points) * multiplier))
}

// LevelFor returns the level for a points balance: every 100 points is a level.
func LevelFor(points int) int {
	if points < 0 {
		points = 0
	}
	return points/pointsPerLevel + 1
}

// PointsForNextLevel is the points total at which level+1 starts.
func PointsForNextLevel(level int) int {
	return level * pointsPerLevel
}

// Progress summarises where a balance sits within its level.
type Progress struct {
	Level        int     `json:"level"`
	Points       int     `json:"points"`
	IntoLevel    int     `json:"points_into_level"`
	ToNextLevel  int     `json:"points_to_next_level"`
	NextLevelAt  int     `json:"next_level_at"`
	PercentLevel float64 `json:"percent"`
}

// ProgressFor computes level progress for a points balance.
func ProgressFor(points int) Progress {
	if points < 0 {
		points = 0
	}
	level := LevelFor(points)
	next := PointsForNextLevel(level)
	into := points - (level-1)*pointsPerLevel
	return Progress{
		Level:        level,
		Points:       points,
		IntoLevel:    into,
		ToNextLevel:  next - points,
		NextLevelAt:  next,
		PercentLevel: float64(into) * 100 / pointsPerLevel,
	}
}
