package biblesync

import "github.com/biblesync/biblesync/wire"

// Mode is one of the four engine modes gating which messages may be sent
// and received (spec §4.3). The enum-plus-String() shape follows the
// teacher's EventType (event.go).
type Mode int

const (
	ModeDisabled Mode = iota
	ModePersonal
	ModeSpeaker
	ModeAudience
)

// String renders the mode for logs and diagnostics.
func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModePersonal:
		return "personal"
	case ModeSpeaker:
		return "speaker"
	case ModeAudience:
		return "audience"
	default:
		return "unknown"
	}
}

// canTransmit implements the transmit-gating table of spec §4.3.
func (m Mode) canTransmit(msgType uint8) bool {
	switch m {
	case ModeDisabled:
		return false
	case ModePersonal, ModeSpeaker:
		return true
	case ModeAudience:
		return msgType == wire.TypeAnnounce || msgType == wire.TypeChat
	default:
		return false
	}
}

// isSpeaker reports whether this mode owns the speaker-side registry policy
// (listen always false for new speakers; speaker mode listens to no one).
func (m Mode) isSpeaker() bool {
	return m == ModeSpeaker
}

// runsBeaconCadence reports whether this mode transmits its own initial and
// periodic beacon (personal and speaker; original biblesync.cc's Setup()
// and ReceiveInternal() both gate beacon transmission on mode == PERSONAL
// || mode == SPEAKER, not on speaker mode alone — audience never beacons).
func (m Mode) runsBeaconCadence() bool {
	return m == ModePersonal || m == ModeSpeaker
}

// actsOnSync reports whether this mode ever interprets sync messages as
// navigation (personal and audience; speaker mode only transmits sync).
func (m Mode) actsOnSync() bool {
	return m == ModePersonal || m == ModeAudience
}
