package timing

import "reflect"

// SessionStatePatch carries only session fields whose value changed. A nil
// field means "unchanged"; a pointer to the zero value is an explicit reset.
type SessionStatePatch struct {
	EventID         *int           `json:"eventId,omitempty"`
	SessionID       *int           `json:"sessionId,omitempty"`
	SessionName     *string        `json:"sessionName,omitempty"`
	SessionType     *SessionType   `json:"sessionType,omitempty"`
	RunningRaceTime *string        `json:"runningRaceTime,omitempty"`
	LapsToGo        *int           `json:"lapsToGo,omitempty"`
	TimeToGo        *string        `json:"timeToGo,omitempty"`
	CurrentFlag     *Flag          `json:"currentFlag,omitempty"`
	LeaderLap       *int           `json:"leaderLap,omitempty"`
	FlagDurations   []FlagDuration `json:"flagDurations,omitempty"`
}

// CarPositionPatch carries only car fields whose value changed. Number is
// always populated as identity.
type CarPositionPatch struct {
	Number        string  `json:"number"`
	TransponderID *uint64 `json:"transponderId,omitempty"`
	Class         *string `json:"class,omitempty"`

	OverallPosition         *int `json:"overallPosition,omitempty"`
	ClassPosition           *int `json:"classPosition,omitempty"`
	OverallStartingPosition *int `json:"overallStartingPosition,omitempty"`
	InClassStartingPosition *int `json:"inClassStartingPosition,omitempty"`
	OverallPositionsGained  *int `json:"overallPositionsGained,omitempty"`
	InClassPositionsGained  *int `json:"inClassPositionsGained,omitempty"`

	BestTime           *string `json:"bestTime,omitempty"`
	LastLapTime        *string `json:"lastLapTime,omitempty"`
	TotalTime          *string `json:"totalTime,omitempty"`
	LastLapCompleted   *int    `json:"lastLapCompleted,omitempty"`
	ProjectedLapTimeMS *int    `json:"projectedLapTimeMs,omitempty"`
	// No omitempty: nil means unchanged, while an empty slice is an explicit
	// reset that must reach the wire.
	CompletedSections []string `json:"completedSections"`
	LapStartTimeMS    *int64   `json:"lapStartTimeMs,omitempty"`

	TrackFlag        *Flag `json:"trackFlag,omitempty"`
	LocalFlag        *Flag `json:"localFlag,omitempty"`
	IsInPit          *bool `json:"isInPit,omitempty"`
	IsEnteredPit     *bool `json:"isEnteredPit,omitempty"`
	IsExitedPit      *bool `json:"isExitedPit,omitempty"`
	IsPitStartFinish *bool `json:"isPitStartFinish,omitempty"`
	LapIncludedPit   *bool `json:"lapIncludedPit,omitempty"`

	IsStale                      *bool `json:"isStale,omitempty"`
	InClassFastestAveragePace    *bool `json:"inClassFastestAveragePace,omitempty"`
	IsBestTime                   *bool `json:"isBestTime,omitempty"`
	IsBestTimeClass              *bool `json:"isBestTimeClass,omitempty"`
	IsOverallMostPositionsGained *bool `json:"isOverallMostPositionsGained,omitempty"`
	IsClassMostPositionsGained   *bool `json:"isClassMostPositionsGained,omitempty"`
	PenaltyWarnings              *int  `json:"penaltyWarnings,omitempty"`
	PenaltyLaps                  *int  `json:"penaltyLaps,omitempty"`
	BlackFlags                   *int  `json:"blackFlags,omitempty"`
	ImpactWarning                *bool `json:"impactWarning,omitempty"`

	DriverID   *string `json:"driverId,omitempty"`
	DriverName *string `json:"driverName,omitempty"`
	Team       *string `json:"team,omitempty"`
}

// IsEmpty reports whether the patch carries no field besides identity.
func (p *CarPositionPatch) IsEmpty() bool {
	if p == nil {
		return true
	}
	clean := CarPositionPatch{Number: p.Number}
	return patchEqual(*p, clean)
}

func patchEqual(a, b CarPositionPatch) bool {
	// Slices block direct comparison; CompletedSections presence alone makes
	// the patch non-empty.
	if a.CompletedSections != nil || b.CompletedSections != nil {
		return false
	}
	a.CompletedSections = nil
	b.CompletedSections = nil
	return reflect.DeepEqual(a, b)
}
