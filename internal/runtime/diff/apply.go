package diff

import "github.com/apexloop/race-timing-pipeline/api/timing"

// ApplySession merges a patch into a session state copy. Nil patch fields
// leave the base value untouched.
func ApplySession(base timing.SessionState, patch *timing.SessionStatePatch) timing.SessionState {
	out := base.Clone()
	if patch == nil {
		return out
	}
	if patch.EventID != nil {
		out.EventID = *patch.EventID
	}
	if patch.SessionID != nil {
		out.SessionID = *patch.SessionID
	}
	if patch.SessionName != nil {
		out.SessionName = *patch.SessionName
	}
	if patch.SessionType != nil {
		out.SessionType = *patch.SessionType
	}
	if patch.RunningRaceTime != nil {
		out.RunningRaceTime = *patch.RunningRaceTime
	}
	if patch.LapsToGo != nil {
		out.LapsToGo = *patch.LapsToGo
	}
	if patch.TimeToGo != nil {
		out.TimeToGo = *patch.TimeToGo
	}
	if patch.CurrentFlag != nil {
		out.CurrentFlag = *patch.CurrentFlag
	}
	if patch.LeaderLap != nil {
		out.LeaderLap = *patch.LeaderLap
	}
	if patch.FlagDurations != nil {
		out.FlagDurations = make([]timing.FlagDuration, len(patch.FlagDurations))
		copy(out.FlagDurations, patch.FlagDurations)
	}
	return out
}

// ApplyCar merges a patch into a car position copy.
func ApplyCar(base timing.CarPosition, patch *timing.CarPositionPatch) timing.CarPosition {
	out := base.Clone()
	if patch == nil {
		return out
	}
	if patch.Number != "" {
		out.Number = patch.Number
	}
	if patch.TransponderID != nil {
		out.TransponderID = *patch.TransponderID
	}
	if patch.Class != nil {
		out.Class = *patch.Class
	}
	if patch.OverallPosition != nil {
		out.OverallPosition = *patch.OverallPosition
	}
	if patch.ClassPosition != nil {
		out.ClassPosition = *patch.ClassPosition
	}
	if patch.OverallStartingPosition != nil {
		out.OverallStartingPosition = *patch.OverallStartingPosition
	}
	if patch.InClassStartingPosition != nil {
		out.InClassStartingPosition = *patch.InClassStartingPosition
	}
	if patch.OverallPositionsGained != nil {
		out.OverallPositionsGained = *patch.OverallPositionsGained
	}
	if patch.InClassPositionsGained != nil {
		out.InClassPositionsGained = *patch.InClassPositionsGained
	}
	if patch.BestTime != nil {
		out.BestTime = *patch.BestTime
	}
	if patch.LastLapTime != nil {
		out.LastLapTime = *patch.LastLapTime
	}
	if patch.TotalTime != nil {
		out.TotalTime = *patch.TotalTime
	}
	if patch.LastLapCompleted != nil {
		out.LastLapCompleted = *patch.LastLapCompleted
	}
	if patch.ProjectedLapTimeMS != nil {
		out.ProjectedLapTimeMS = *patch.ProjectedLapTimeMS
	}
	if patch.CompletedSections != nil {
		out.CompletedSections = make([]string, len(patch.CompletedSections))
		copy(out.CompletedSections, patch.CompletedSections)
	}
	if patch.LapStartTimeMS != nil {
		out.LapStartTimeMS = *patch.LapStartTimeMS
	}
	if patch.TrackFlag != nil {
		out.TrackFlag = *patch.TrackFlag
	}
	if patch.LocalFlag != nil {
		out.LocalFlag = *patch.LocalFlag
	}
	if patch.IsInPit != nil {
		out.IsInPit = *patch.IsInPit
	}
	if patch.IsEnteredPit != nil {
		out.IsEnteredPit = *patch.IsEnteredPit
	}
	if patch.IsExitedPit != nil {
		out.IsExitedPit = *patch.IsExitedPit
	}
	if patch.IsPitStartFinish != nil {
		out.IsPitStartFinish = *patch.IsPitStartFinish
	}
	if patch.LapIncludedPit != nil {
		out.LapIncludedPit = *patch.LapIncludedPit
	}
	if patch.IsStale != nil {
		out.IsStale = *patch.IsStale
	}
	if patch.InClassFastestAveragePace != nil {
		out.InClassFastestAveragePace = *patch.InClassFastestAveragePace
	}
	if patch.IsBestTime != nil {
		out.IsBestTime = *patch.IsBestTime
	}
	if patch.IsBestTimeClass != nil {
		out.IsBestTimeClass = *patch.IsBestTimeClass
	}
	if patch.IsOverallMostPositionsGained != nil {
		out.IsOverallMostPositionsGained = *patch.IsOverallMostPositionsGained
	}
	if patch.IsClassMostPositionsGained != nil {
		out.IsClassMostPositionsGained = *patch.IsClassMostPositionsGained
	}
	if patch.PenaltyWarnings != nil {
		out.PenaltyWarnings = *patch.PenaltyWarnings
	}
	if patch.PenaltyLaps != nil {
		out.PenaltyLaps = *patch.PenaltyLaps
	}
	if patch.BlackFlags != nil {
		out.BlackFlags = *patch.BlackFlags
	}
	if patch.ImpactWarning != nil {
		out.ImpactWarning = *patch.ImpactWarning
	}
	if patch.DriverID != nil {
		out.DriverID = *patch.DriverID
	}
	if patch.DriverName != nil {
		out.DriverName = *patch.DriverName
	}
	if patch.Team != nil {
		out.Team = *patch.Team
	}
	return out
}
