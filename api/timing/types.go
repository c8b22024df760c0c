package timing

import "strings"

// InvalidPosition marks an ordering field whose real value is not yet known.
const InvalidPosition = -1

// SessionType classifies a timed session by what is at stake.
type SessionType string

const (
	SessionTypeRace       SessionType = "race"
	SessionTypePractice   SessionType = "practice"
	SessionTypeQualifying SessionType = "qualifying"
	SessionTypeUnknown    SessionType = "unknown"
)

// InferSessionType derives the session type from name tokens.
func InferSessionType(sessionName string) SessionType {
	name := strings.ToLower(sessionName)
	switch {
	case strings.Contains(name, "race") || strings.Contains(name, "feature") || strings.Contains(name, "heat"):
		return SessionTypeRace
	case strings.Contains(name, "qual"):
		return SessionTypeQualifying
	case strings.Contains(name, "practice") || strings.Contains(name, "warm"):
		return SessionTypePractice
	default:
		return SessionTypeUnknown
	}
}

// FlagDuration is one interval of the session flag timeline. The open-ended
// current interval has EndTimeMS == 0.
type FlagDuration struct {
	Flag        Flag  `json:"flag"`
	StartTimeMS int64 `json:"startTimeMs"`
	EndTimeMS   int64 `json:"endTimeMs,omitempty"`
}

// SessionState is the canonical published state for one live session.
type SessionState struct {
	EventID         int            `json:"eventId"`
	SessionID       int            `json:"sessionId"`
	SessionName     string         `json:"sessionName"`
	SessionType     SessionType    `json:"sessionType"`
	RunningRaceTime string         `json:"runningRaceTime"`
	LapsToGo        int            `json:"lapsToGo"`
	TimeToGo        string         `json:"timeToGo"`
	CurrentFlag     Flag           `json:"currentFlag"`
	LeaderLap       int            `json:"leaderLap"`
	FlagDurations   []FlagDuration `json:"flagDurations,omitempty"`
	Cars            []CarPosition  `json:"cars,omitempty"`
}

// Clone returns a deep copy of the session state.
func (s SessionState) Clone() SessionState {
	out := s
	if s.FlagDurations != nil {
		out.FlagDurations = make([]FlagDuration, len(s.FlagDurations))
		copy(out.FlagDurations, s.FlagDurations)
	}
	if s.Cars != nil {
		out.Cars = make([]CarPosition, len(s.Cars))
		for i := range s.Cars {
			out.Cars[i] = s.Cars[i].Clone()
		}
	}
	return out
}

// CarPosition is the canonical per-car state within one session.
type CarPosition struct {
	Number        string `json:"number"`
	TransponderID uint64 `json:"transponderId,omitempty"`
	Class         string `json:"class,omitempty"`

	OverallPosition         int `json:"overallPosition"`
	ClassPosition           int `json:"classPosition"`
	OverallStartingPosition int `json:"overallStartingPosition"`
	InClassStartingPosition int `json:"inClassStartingPosition"`
	OverallPositionsGained  int `json:"overallPositionsGained"`
	InClassPositionsGained  int `json:"inClassPositionsGained"`

	BestTime           string   `json:"bestTime,omitempty"`
	LastLapTime        string   `json:"lastLapTime,omitempty"`
	TotalTime          string   `json:"totalTime,omitempty"`
	LastLapCompleted   int      `json:"lastLapCompleted"`
	ProjectedLapTimeMS int      `json:"projectedLapTimeMs,omitempty"`
	CompletedSections  []string `json:"completedSections,omitempty"`
	LapStartTimeMS     int64    `json:"lapStartTimeMs,omitempty"`

	TrackFlag        Flag `json:"trackFlag,omitempty"`
	LocalFlag        Flag `json:"localFlag,omitempty"`
	IsInPit          bool `json:"isInPit"`
	IsEnteredPit     bool `json:"isEnteredPit"`
	IsExitedPit      bool `json:"isExitedPit"`
	IsPitStartFinish bool `json:"isPitStartFinish"`
	LapIncludedPit   bool `json:"lapIncludedPit"`

	IsStale                      bool `json:"isStale"`
	InClassFastestAveragePace    bool `json:"inClassFastestAveragePace"`
	IsBestTime                   bool `json:"isBestTime"`
	IsBestTimeClass              bool `json:"isBestTimeClass"`
	IsOverallMostPositionsGained bool `json:"isOverallMostPositionsGained"`
	IsClassMostPositionsGained   bool `json:"isClassMostPositionsGained"`
	PenaltyWarnings              int  `json:"penaltyWarnings"`
	PenaltyLaps                  int  `json:"penaltyLaps"`
	BlackFlags                   int  `json:"blackFlags"`
	ImpactWarning                bool `json:"impactWarning"`

	DriverID   string `json:"driverId,omitempty"`
	DriverName string `json:"driverName,omitempty"`
	Team       string `json:"team,omitempty"`
}

// Clone returns a deep copy of the car position.
func (c CarPosition) Clone() CarPosition {
	out := c
	if c.CompletedSections != nil {
		out.CompletedSections = make([]string, len(c.CompletedSections))
		copy(out.CompletedSections, c.CompletedSections)
	}
	return out
}

// EventEntry is one roster registration keyed by car number.
type EventEntry struct {
	CarNumber  string `json:"carNumber"`
	DriverName string `json:"driverName,omitempty"`
	Team       string `json:"team,omitempty"`
	Class      string `json:"class,omitempty"`
}

// DriverInfo is the driver ingress payload.
type DriverInfo struct {
	CarNumber     string `json:"carNumber"`
	TransponderID uint64 `json:"transponderId,omitempty"`
	DriverID      string `json:"driverId,omitempty"`
	DriverName    string `json:"driverName,omitempty"`
	FullRefresh   bool   `json:"fullRefresh,omitempty"`
}

// LapCompleted is the synthetic lap-completion payload used by enrichers.
type LapCompleted struct {
	CarNumber string `json:"carNumber"`
	Class     string `json:"class,omitempty"`
	LapNumber int    `json:"lapNumber"`
}

// ControlLogEntry is one parsed race-control spreadsheet row.
type ControlLogEntry struct {
	OrderID           int    `json:"orderId"`
	Car1              string `json:"car1"`
	Car2              string `json:"car2,omitempty"`
	TimestampMS       int64  `json:"timestampMs"`
	Status            string `json:"status,omitempty"`
	Corner            string `json:"corner,omitempty"`
	Note              string `json:"note,omitempty"`
	OtherNotes        string `json:"otherNotes,omitempty"`
	PenaltyAction     string `json:"penaltyAction,omitempty"`
	IsCar1Highlighted bool   `json:"isCar1Highlighted"`
	IsCar2Highlighted bool   `json:"isCar2Highlighted"`
}

// CarPenalty is the control-log rollup for one car.
type CarPenalty struct {
	Warnings int `json:"warnings"`
	Laps     int `json:"laps"`
}

// MessageType tags the origin and payload shape of a TimingMessage.
type MessageType string

const (
	MessageRMonitor     MessageType = "rmonitor"
	MessageMultiloop    MessageType = "multiloop"
	MessageX2Passing    MessageType = "x2-passing"
	MessageX2Loop       MessageType = "x2-loop"
	MessageFlags        MessageType = "flags"
	MessageDriver       MessageType = "driver"
	MessageLapCompleted MessageType = "lap-completed"
)

// TimingMessage is one ingress unit routed through the pipeline.
type TimingMessage struct {
	Type        MessageType `json:"type"`
	Data        []byte      `json:"data"`
	Sequence    int64       `json:"sequence"`
	TimestampMS int64       `json:"timestampMs"`
}

// PatchUpdates pairs the session patch and car patches produced by one
// processing step. Either part may be empty.
type PatchUpdates struct {
	Session *SessionStatePatch
	Cars    []CarPositionPatch
}

// IsEmpty reports whether the update carries nothing to publish.
func (p PatchUpdates) IsEmpty() bool {
	return p.Session == nil && len(p.Cars) == 0
}

// NormalizeCarNumber lowercases a car number for map keying. Car numbers can
// carry letters (e.g. "07x") and sources disagree on case.
func NormalizeCarNumber(number string) string {
	return strings.ToLower(strings.TrimSpace(number))
}
