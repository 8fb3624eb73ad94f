// Package tone selects the conversational tone instruction for a session
// based on how much time has elapsed since the subscriber's last message,
// plus a wind-down rule for late local hours.
//
// Band selection is a pure function of elapsed minutes with fixed boundaries
// at 5, 60, 360, and 1440 minutes; a boundary value belongs to the higher
// band. The session controller injects the resulting guide into the system
// prompt it hands to the conversation agent.
package tone

import (
	"fmt"
	"strings"
)

// Band identifies a gap-length tone band.
type Band string

const (
	// BandContinuation: less than 5 minutes since the last message.
	BandContinuation Band = "continuation"
	// BandShortBreak: 5 minutes to under an hour.
	BandShortBreak Band = "short_break"
	// BandLongerGap: one hour to under six hours.
	BandLongerGap Band = "longer_gap"
	// BandNewDay: six to under twenty-four hours.
	BandNewDay Band = "new_day"
	// BandWelcomeBack: twenty-four hours or more.
	BandWelcomeBack Band = "welcome_back"
)

// Gap band boundaries in minutes. Exact values; boundary belongs up.
const (
	continuationMaxMinutes = 5
	shortBreakMaxMinutes   = 60
	longerGapMaxMinutes    = 360
	newDayMaxMinutes       = 1440
)

// Night window: [22:00, 06:00) local.
const (
	windDownStartHour = 22
	windDownEndHour   = 6
)

// BandForGap returns the tone band for the given minutes since the last
// message. Negative values (clock skew) are treated as zero.
func BandForGap(minutes int) Band {
	switch {
	case minutes < continuationMaxMinutes:
		return BandContinuation
	case minutes < shortBreakMaxMinutes:
		return BandShortBreak
	case minutes < longerGapMaxMinutes:
		return BandLongerGap
	case minutes < newDayMaxMinutes:
		return BandNewDay
	default:
		return BandWelcomeBack
	}
}

// IsWindDownHour reports whether the local hour falls in the night window.
func IsWindDownHour(hour int) bool {
	return hour >= windDownStartHour || hour < windDownEndHour
}

// bandInstructions maps each band to its tone instruction.
var bandInstructions = map[Band]string{
	BandContinuation: "Continue the conversation seamlessly, as if there was no interruption.",
	BandShortBreak:   "The user took a short break. Acknowledge it lightly and pick up where you left off.",
	BandLongerGap:    "It has been a while since the last message. Briefly acknowledge the gap before continuing.",
	BandNewDay:       "Treat this as a new day. Greet the user and start fresh rather than resuming mid-thought.",
	BandWelcomeBack:  "Warmly welcome the user back after a day or more away.",
}

// windDownInstruction is appended during the night window.
const windDownInstruction = "It is late in the user's local time. Gently suggest wrapping up the conversation soon."

// SessionContext carries the inputs for building a tone guide.
type SessionContext struct {
	ConversationMinutes int    // minutes since the conversation started
	GapMinutes          int    // minutes since the last message
	LocalHour           int    // subscriber-local hour, 0-23
	LastDigestTopic     string // most recent digest topic, "" when none
}

// BuildGuide produces the tone instruction snippet injected into the system
// prompt. It is deterministic for a given SessionContext.
func BuildGuide(sc SessionContext) string {
	gap := sc.GapMinutes
	if gap < 0 {
		gap = 0
	}
	band := BandForGap(gap)

	var b strings.Builder
	b.WriteString("<SESSION CONTEXT>\n")
	fmt.Fprintf(&b, "The current conversation has been running for %d minutes. ", sc.ConversationMinutes)
	fmt.Fprintf(&b, "The user's last message was %d minutes ago. ", gap)
	fmt.Fprintf(&b, "It is currently %02d:00 in the user's local time.\n", sc.LocalHour)
	b.WriteString(bandInstructions[band])
	b.WriteString("\n")
	if band == BandWelcomeBack && sc.LastDigestTopic != "" {
		fmt.Fprintf(&b, "If natural, reference the topic of your last conversation: %s.\n", sc.LastDigestTopic)
	}
	if IsWindDownHour(sc.LocalHour) {
		b.WriteString(windDownInstruction)
		b.WriteString("\n")
	}
	b.WriteString("</SESSION CONTEXT>\n")
	return b.String()
}
