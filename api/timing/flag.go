package timing

import "strings"

// Flag is a normalized track condition state.
type Flag string

const (
	FlagUnknown   Flag = "unknown"
	FlagGreen     Flag = "green"
	FlagYellow    Flag = "yellow"
	FlagRed       Flag = "red"
	FlagWhite     Flag = "white"
	FlagCheckered Flag = "checkered"
	FlagPurple    Flag = "purple"
)

// ParseFlag normalizes a protocol flag token. Unrecognized tokens map to FlagUnknown.
func ParseFlag(raw string) Flag {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "green", "grn":
		return FlagGreen
	case "yellow", "yel", "caution", "fcy":
		return FlagYellow
	case "red":
		return FlagRed
	case "white":
		return FlagWhite
	case "checkered", "chk", "finish":
		return FlagCheckered
	case "purple":
		return FlagPurple
	default:
		return FlagUnknown
	}
}

// IsRacing reports whether cars are circulating under this flag.
func (f Flag) IsRacing() bool {
	switch f {
	case FlagGreen, FlagYellow, FlagWhite:
		return true
	default:
		return false
	}
}
