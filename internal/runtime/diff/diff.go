// Package diff computes minimal field-level patches between published states.
//
// Both entry points are pure: they never mutate their inputs and depend only
// on the two states handed to them, which keeps patch emission testable and
// lets the applier call them under its own serialization.
package diff

import (
	"github.com/apexloop/race-timing-pipeline/api/timing"
)

// DiffSession returns a patch carrying every scalar session field that
// changed, or nil when nothing did. Any difference in the flag-duration
// timeline sends the whole list; the timeline has no stable per-element
// identity to diff against.
func DiffSession(old, new timing.SessionState) *timing.SessionStatePatch {
	patch := &timing.SessionStatePatch{}
	changed := false

	if old.EventID != new.EventID {
		patch.EventID = intPtr(new.EventID)
		changed = true
	}
	if old.SessionID != new.SessionID {
		patch.SessionID = intPtr(new.SessionID)
		changed = true
	}
	if old.SessionName != new.SessionName {
		patch.SessionName = strPtr(new.SessionName)
		changed = true
	}
	if old.SessionType != new.SessionType {
		v := new.SessionType
		patch.SessionType = &v
		changed = true
	}
	if old.RunningRaceTime != new.RunningRaceTime {
		patch.RunningRaceTime = strPtr(new.RunningRaceTime)
		changed = true
	}
	if old.LapsToGo != new.LapsToGo {
		patch.LapsToGo = intPtr(new.LapsToGo)
		changed = true
	}
	if old.TimeToGo != new.TimeToGo {
		patch.TimeToGo = strPtr(new.TimeToGo)
		changed = true
	}
	if old.CurrentFlag != new.CurrentFlag {
		v := new.CurrentFlag
		patch.CurrentFlag = &v
		changed = true
	}
	if old.LeaderLap != new.LeaderLap {
		patch.LeaderLap = intPtr(new.LeaderLap)
		changed = true
	}
	if !flagDurationsEqual(old.FlagDurations, new.FlagDurations) {
		patch.FlagDurations = make([]timing.FlagDuration, len(new.FlagDurations))
		copy(patch.FlagDurations, new.FlagDurations)
		changed = true
	}

	if !changed {
		return nil
	}
	return patch
}

func flagDurationsEqual(a, b []timing.FlagDuration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DiffCar returns a patch carrying every car field that changed, with Number
// always populated as identity. When no other field differs it returns nil.
func DiffCar(old, new timing.CarPosition) *timing.CarPositionPatch {
	patch := &timing.CarPositionPatch{Number: new.Number}

	if old.TransponderID != new.TransponderID {
		v := new.TransponderID
		patch.TransponderID = &v
	}
	if old.Class != new.Class {
		patch.Class = strPtr(new.Class)
	}
	if old.OverallPosition != new.OverallPosition {
		patch.OverallPosition = intPtr(new.OverallPosition)
	}
	if old.ClassPosition != new.ClassPosition {
		patch.ClassPosition = intPtr(new.ClassPosition)
	}
	if old.OverallStartingPosition != new.OverallStartingPosition {
		patch.OverallStartingPosition = intPtr(new.OverallStartingPosition)
	}
	if old.InClassStartingPosition != new.InClassStartingPosition {
		patch.InClassStartingPosition = intPtr(new.InClassStartingPosition)
	}
	if old.OverallPositionsGained != new.OverallPositionsGained {
		patch.OverallPositionsGained = intPtr(new.OverallPositionsGained)
	}
	if old.InClassPositionsGained != new.InClassPositionsGained {
		patch.InClassPositionsGained = intPtr(new.InClassPositionsGained)
	}
	if old.BestTime != new.BestTime {
		patch.BestTime = strPtr(new.BestTime)
	}
	if old.LastLapTime != new.LastLapTime {
		patch.LastLapTime = strPtr(new.LastLapTime)
	}
	if old.TotalTime != new.TotalTime {
		patch.TotalTime = strPtr(new.TotalTime)
	}
	if old.LastLapCompleted != new.LastLapCompleted {
		patch.LastLapCompleted = intPtr(new.LastLapCompleted)
	}
	if old.ProjectedLapTimeMS != new.ProjectedLapTimeMS {
		patch.ProjectedLapTimeMS = intPtr(new.ProjectedLapTimeMS)
	}
	if !stringsEqual(old.CompletedSections, new.CompletedSections) {
		patch.CompletedSections = make([]string, 0, len(new.CompletedSections))
		patch.CompletedSections = append(patch.CompletedSections, new.CompletedSections...)
	}
	if old.LapStartTimeMS != new.LapStartTimeMS {
		v := new.LapStartTimeMS
		patch.LapStartTimeMS = &v
	}
	if old.TrackFlag != new.TrackFlag {
		v := new.TrackFlag
		patch.TrackFlag = &v
	}
	if old.LocalFlag != new.LocalFlag {
		v := new.LocalFlag
		patch.LocalFlag = &v
	}
	if old.IsInPit != new.IsInPit {
		patch.IsInPit = boolPtr(new.IsInPit)
	}
	if old.IsEnteredPit != new.IsEnteredPit {
		patch.IsEnteredPit = boolPtr(new.IsEnteredPit)
	}
	if old.IsExitedPit != new.IsExitedPit {
		patch.IsExitedPit = boolPtr(new.IsExitedPit)
	}
	if old.IsPitStartFinish != new.IsPitStartFinish {
		patch.IsPitStartFinish = boolPtr(new.IsPitStartFinish)
	}
	if old.LapIncludedPit != new.LapIncludedPit {
		patch.LapIncludedPit = boolPtr(new.LapIncludedPit)
	}
	if old.IsStale != new.IsStale {
		patch.IsStale = boolPtr(new.IsStale)
	}
	if old.InClassFastestAveragePace != new.InClassFastestAveragePace {
		patch.InClassFastestAveragePace = boolPtr(new.InClassFastestAveragePace)
	}
	if old.IsBestTime != new.IsBestTime {
		patch.IsBestTime = boolPtr(new.IsBestTime)
	}
	if old.IsBestTimeClass != new.IsBestTimeClass {
		patch.IsBestTimeClass = boolPtr(new.IsBestTimeClass)
	}
	if old.IsOverallMostPositionsGained != new.IsOverallMostPositionsGained {
		patch.IsOverallMostPositionsGained = boolPtr(new.IsOverallMostPositionsGained)
	}
	if old.IsClassMostPositionsGained != new.IsClassMostPositionsGained {
		patch.IsClassMostPositionsGained = boolPtr(new.IsClassMostPositionsGained)
	}
	if old.PenaltyWarnings != new.PenaltyWarnings {
		patch.PenaltyWarnings = intPtr(new.PenaltyWarnings)
	}
	if old.PenaltyLaps != new.PenaltyLaps {
		patch.PenaltyLaps = intPtr(new.PenaltyLaps)
	}
	if old.BlackFlags != new.BlackFlags {
		patch.BlackFlags = intPtr(new.BlackFlags)
	}
	if old.ImpactWarning != new.ImpactWarning {
		patch.ImpactWarning = boolPtr(new.ImpactWarning)
	}
	if old.DriverID != new.DriverID {
		patch.DriverID = strPtr(new.DriverID)
	}
	if old.DriverName != new.DriverName {
		patch.DriverName = strPtr(new.DriverName)
	}
	if old.Team != new.Team {
		patch.Team = strPtr(new.Team)
	}

	if patch.IsEmpty() {
		return nil
	}
	return patch
}

// FullCarPatch renders a car as a fully-populated patch. Used to seed new
// subscribers and for the post-Reset resend.
func FullCarPatch(car timing.CarPosition) timing.CarPositionPatch {
	transponder := car.TransponderID
	lapStart := car.LapStartTimeMS
	trackFlag := car.TrackFlag
	localFlag := car.LocalFlag
	sections := make([]string, len(car.CompletedSections))
	copy(sections, car.CompletedSections)
	if sections == nil {
		sections = []string{}
	}
	return timing.CarPositionPatch{
		Number:                       car.Number,
		TransponderID:                &transponder,
		Class:                        strPtr(car.Class),
		OverallPosition:              intPtr(car.OverallPosition),
		ClassPosition:                intPtr(car.ClassPosition),
		OverallStartingPosition:      intPtr(car.OverallStartingPosition),
		InClassStartingPosition:      intPtr(car.InClassStartingPosition),
		OverallPositionsGained:       intPtr(car.OverallPositionsGained),
		InClassPositionsGained:       intPtr(car.InClassPositionsGained),
		BestTime:                     strPtr(car.BestTime),
		LastLapTime:                  strPtr(car.LastLapTime),
		TotalTime:                    strPtr(car.TotalTime),
		LastLapCompleted:             intPtr(car.LastLapCompleted),
		ProjectedLapTimeMS:           intPtr(car.ProjectedLapTimeMS),
		CompletedSections:            sections,
		LapStartTimeMS:               &lapStart,
		TrackFlag:                    &trackFlag,
		LocalFlag:                    &localFlag,
		IsInPit:                      boolPtr(car.IsInPit),
		IsEnteredPit:                 boolPtr(car.IsEnteredPit),
		IsExitedPit:                  boolPtr(car.IsExitedPit),
		IsPitStartFinish:             boolPtr(car.IsPitStartFinish),
		LapIncludedPit:               boolPtr(car.LapIncludedPit),
		IsStale:                      boolPtr(car.IsStale),
		InClassFastestAveragePace:    boolPtr(car.InClassFastestAveragePace),
		IsBestTime:                   boolPtr(car.IsBestTime),
		IsBestTimeClass:              boolPtr(car.IsBestTimeClass),
		IsOverallMostPositionsGained: boolPtr(car.IsOverallMostPositionsGained),
		IsClassMostPositionsGained:   boolPtr(car.IsClassMostPositionsGained),
		PenaltyWarnings:              intPtr(car.PenaltyWarnings),
		PenaltyLaps:                  intPtr(car.PenaltyLaps),
		BlackFlags:                   intPtr(car.BlackFlags),
		ImpactWarning:                boolPtr(car.ImpactWarning),
		DriverID:                     strPtr(car.DriverID),
		DriverName:                   strPtr(car.DriverName),
		Team:                         strPtr(car.Team),
	}
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
func boolPtr(v bool) *bool    { return &v }
