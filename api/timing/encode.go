package timing

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Binary snapshot encoding: a flat sequence of (uvarint tag, uvarint length,
// payload) fields. Integers are zigzag varints inside the payload, strings are
// raw UTF-8, and nested records (cars, flag durations) are themselves encoded
// field sequences. Unknown tags are skipped on decode so readers tolerate
// fields added later.

const (
	tagSessionEventID = iota + 1
	tagSessionID
	tagSessionName
	tagSessionType
	tagSessionRaceTime
	tagSessionLapsToGo
	tagSessionTimeToGo
	tagSessionFlag
	tagSessionLeaderLap
	tagSessionFlagDuration
	tagSessionCar
)

const (
	tagCarNumber = iota + 1
	tagCarTransponder
	tagCarClass
	tagCarOverallPos
	tagCarClassPos
	tagCarOverallStart
	tagCarClassStart
	tagCarOverallGained
	tagCarClassGained
	tagCarBestTime
	tagCarLastLapTime
	tagCarTotalTime
	tagCarLastLapCompleted
	tagCarProjectedMS
	tagCarSection
	tagCarLapStartMS
	tagCarTrackFlag
	tagCarLocalFlag
	tagCarBools
	tagCarPenaltyWarnings
	tagCarPenaltyLaps
	tagCarBlackFlags
	tagCarDriverID
	tagCarDriverName
	tagCarTeam
)

const (
	tagFlagDurationFlag = iota + 1
	tagFlagDurationStart
	tagFlagDurationEnd
)

type fieldWriter struct {
	buf []byte
}

func (w *fieldWriter) putBytes(tag uint64, payload []byte) {
	w.buf = binary.AppendUvarint(w.buf, tag)
	w.buf = binary.AppendUvarint(w.buf, uint64(len(payload)))
	w.buf = append(w.buf, payload...)
}

func (w *fieldWriter) putString(tag uint64, v string) {
	if v == "" {
		return
	}
	w.putBytes(tag, []byte(v))
}

func (w *fieldWriter) putInt(tag uint64, v int64) {
	if v == 0 {
		return
	}
	w.putBytes(tag, binary.AppendVarint(nil, v))
}

func (w *fieldWriter) putUint(tag uint64, v uint64) {
	if v == 0 {
		return
	}
	w.putBytes(tag, binary.AppendUvarint(nil, v))
}

// EncodeSessionState renders a snapshot in the binary field-tag format.
func EncodeSessionState(s SessionState) []byte {
	w := &fieldWriter{buf: make([]byte, 0, 256+128*len(s.Cars))}
	w.putInt(tagSessionEventID, int64(s.EventID))
	w.putInt(tagSessionID, int64(s.SessionID))
	w.putString(tagSessionName, s.SessionName)
	w.putString(tagSessionType, string(s.SessionType))
	w.putString(tagSessionRaceTime, s.RunningRaceTime)
	w.putInt(tagSessionLapsToGo, int64(s.LapsToGo))
	w.putString(tagSessionTimeToGo, s.TimeToGo)
	w.putString(tagSessionFlag, string(s.CurrentFlag))
	w.putInt(tagSessionLeaderLap, int64(s.LeaderLap))
	for _, fd := range s.FlagDurations {
		w.putBytes(tagSessionFlagDuration, encodeFlagDuration(fd))
	}
	for i := range s.Cars {
		w.putBytes(tagSessionCar, encodeCar(s.Cars[i]))
	}
	return w.buf
}

func encodeFlagDuration(fd FlagDuration) []byte {
	w := &fieldWriter{}
	w.putString(tagFlagDurationFlag, string(fd.Flag))
	w.putInt(tagFlagDurationStart, fd.StartTimeMS)
	w.putInt(tagFlagDurationEnd, fd.EndTimeMS)
	return w.buf
}

func encodeCar(c CarPosition) []byte {
	w := &fieldWriter{}
	w.putString(tagCarNumber, c.Number)
	w.putUint(tagCarTransponder, c.TransponderID)
	w.putString(tagCarClass, c.Class)
	w.putInt(tagCarOverallPos, int64(c.OverallPosition))
	w.putInt(tagCarClassPos, int64(c.ClassPosition))
	w.putInt(tagCarOverallStart, int64(c.OverallStartingPosition))
	w.putInt(tagCarClassStart, int64(c.InClassStartingPosition))
	w.putInt(tagCarOverallGained, int64(c.OverallPositionsGained))
	w.putInt(tagCarClassGained, int64(c.InClassPositionsGained))
	w.putString(tagCarBestTime, c.BestTime)
	w.putString(tagCarLastLapTime, c.LastLapTime)
	w.putString(tagCarTotalTime, c.TotalTime)
	w.putInt(tagCarLastLapCompleted, int64(c.LastLapCompleted))
	w.putInt(tagCarProjectedMS, int64(c.ProjectedLapTimeMS))
	for _, section := range c.CompletedSections {
		w.putBytes(tagCarSection, []byte(section))
	}
	w.putInt(tagCarLapStartMS, c.LapStartTimeMS)
	w.putString(tagCarTrackFlag, string(c.TrackFlag))
	w.putString(tagCarLocalFlag, string(c.LocalFlag))
	w.putUint(tagCarBools, packCarBools(c))
	w.putInt(tagCarPenaltyWarnings, int64(c.PenaltyWarnings))
	w.putInt(tagCarPenaltyLaps, int64(c.PenaltyLaps))
	w.putInt(tagCarBlackFlags, int64(c.BlackFlags))
	w.putString(tagCarDriverID, c.DriverID)
	w.putString(tagCarDriverName, c.DriverName)
	w.putString(tagCarTeam, c.Team)
	return w.buf
}

func packCarBools(c CarPosition) uint64 {
	bits := []bool{
		c.IsInPit, c.IsEnteredPit, c.IsExitedPit, c.IsPitStartFinish,
		c.LapIncludedPit, c.IsStale, c.InClassFastestAveragePace,
		c.IsBestTime, c.IsBestTimeClass, c.IsOverallMostPositionsGained,
		c.IsClassMostPositionsGained, c.ImpactWarning,
	}
	var packed uint64
	for i, b := range bits {
		if b {
			packed |= 1 << uint(i)
		}
	}
	return packed
}

func unpackCarBools(packed uint64, c *CarPosition) {
	targets := []*bool{
		&c.IsInPit, &c.IsEnteredPit, &c.IsExitedPit, &c.IsPitStartFinish,
		&c.LapIncludedPit, &c.IsStale, &c.InClassFastestAveragePace,
		&c.IsBestTime, &c.IsBestTimeClass, &c.IsOverallMostPositionsGained,
		&c.IsClassMostPositionsGained, &c.ImpactWarning,
	}
	for i, target := range targets {
		*target = packed&(1<<uint(i)) != 0
	}
}

type fieldReader struct {
	buf []byte
	pos int
}

func (r *fieldReader) next() (tag uint64, payload []byte, err error) {
	if r.pos >= len(r.buf) {
		return 0, nil, nil
	}
	tag, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, nil, fmt.Errorf("truncated field tag at offset %d", r.pos)
	}
	r.pos += n
	length, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, nil, fmt.Errorf("truncated field length at offset %d", r.pos)
	}
	r.pos += n
	if length > math.MaxInt32 || r.pos+int(length) > len(r.buf) {
		return 0, nil, fmt.Errorf("field %d overruns buffer", tag)
	}
	payload = r.buf[r.pos : r.pos+int(length)]
	r.pos += int(length)
	return tag, payload, nil
}

func payloadInt(payload []byte) int64 {
	v, _ := binary.Varint(payload)
	return v
}

func payloadUint(payload []byte) uint64 {
	v, _ := binary.Uvarint(payload)
	return v
}

// DecodeSessionState parses a snapshot produced by EncodeSessionState.
func DecodeSessionState(data []byte) (SessionState, error) {
	var s SessionState
	r := &fieldReader{buf: data}
	for {
		tag, payload, err := r.next()
		if err != nil {
			return SessionState{}, err
		}
		if tag == 0 {
			return s, nil
		}
		switch tag {
		case tagSessionEventID:
			s.EventID = int(payloadInt(payload))
		case tagSessionID:
			s.SessionID = int(payloadInt(payload))
		case tagSessionName:
			s.SessionName = string(payload)
		case tagSessionType:
			s.SessionType = SessionType(payload)
		case tagSessionRaceTime:
			s.RunningRaceTime = string(payload)
		case tagSessionLapsToGo:
			s.LapsToGo = int(payloadInt(payload))
		case tagSessionTimeToGo:
			s.TimeToGo = string(payload)
		case tagSessionFlag:
			s.CurrentFlag = Flag(payload)
		case tagSessionLeaderLap:
			s.LeaderLap = int(payloadInt(payload))
		case tagSessionFlagDuration:
			fd, err := decodeFlagDuration(payload)
			if err != nil {
				return SessionState{}, err
			}
			s.FlagDurations = append(s.FlagDurations, fd)
		case tagSessionCar:
			car, err := decodeCar(payload)
			if err != nil {
				return SessionState{}, err
			}
			s.Cars = append(s.Cars, car)
		}
	}
}

func decodeFlagDuration(data []byte) (FlagDuration, error) {
	var fd FlagDuration
	r := &fieldReader{buf: data}
	for {
		tag, payload, err := r.next()
		if err != nil {
			return FlagDuration{}, err
		}
		if tag == 0 {
			return fd, nil
		}
		switch tag {
		case tagFlagDurationFlag:
			fd.Flag = Flag(payload)
		case tagFlagDurationStart:
			fd.StartTimeMS = payloadInt(payload)
		case tagFlagDurationEnd:
			fd.EndTimeMS = payloadInt(payload)
		}
	}
}

func decodeCar(data []byte) (CarPosition, error) {
	var c CarPosition
	r := &fieldReader{buf: data}
	for {
		tag, payload, err := r.next()
		if err != nil {
			return CarPosition{}, err
		}
		if tag == 0 {
			return c, nil
		}
		switch tag {
		case tagCarNumber:
			c.Number = string(payload)
		case tagCarTransponder:
			c.TransponderID = payloadUint(payload)
		case tagCarClass:
			c.Class = string(payload)
		case tagCarOverallPos:
			c.OverallPosition = int(payloadInt(payload))
		case tagCarClassPos:
			c.ClassPosition = int(payloadInt(payload))
		case tagCarOverallStart:
			c.OverallStartingPosition = int(payloadInt(payload))
		case tagCarClassStart:
			c.InClassStartingPosition = int(payloadInt(payload))
		case tagCarOverallGained:
			c.OverallPositionsGained = int(payloadInt(payload))
		case tagCarClassGained:
			c.InClassPositionsGained = int(payloadInt(payload))
		case tagCarBestTime:
			c.BestTime = string(payload)
		case tagCarLastLapTime:
			c.LastLapTime = string(payload)
		case tagCarTotalTime:
			c.TotalTime = string(payload)
		case tagCarLastLapCompleted:
			c.LastLapCompleted = int(payloadInt(payload))
		case tagCarProjectedMS:
			c.ProjectedLapTimeMS = int(payloadInt(payload))
		case tagCarSection:
			c.CompletedSections = append(c.CompletedSections, string(payload))
		case tagCarLapStartMS:
			c.LapStartTimeMS = payloadInt(payload)
		case tagCarTrackFlag:
			c.TrackFlag = Flag(payload)
		case tagCarLocalFlag:
			c.LocalFlag = Flag(payload)
		case tagCarBools:
			unpackCarBools(payloadUint(payload), &c)
		case tagCarPenaltyWarnings:
			c.PenaltyWarnings = int(payloadInt(payload))
		case tagCarPenaltyLaps:
			c.PenaltyLaps = int(payloadInt(payload))
		case tagCarBlackFlags:
			c.BlackFlags = int(payloadInt(payload))
		case tagCarDriverID:
			c.DriverID = string(payload)
		case tagCarDriverName:
			c.DriverName = string(payload)
		case tagCarTeam:
			c.Team = string(payload)
		}
	}
}
