package biblesync

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biblesync/biblesync/wire"
)

// newTestEngine builds an engine in the given mode without opening real
// sockets, so the receive-path and registry logic can be exercised
// deterministically regardless of whether the sandbox running these tests
// has multicast available (spec's testable properties, §8, concern the
// protocol logic, not the OS socket layer, which socket_test.go covers
// separately with loopback-only checks).
func newTestEngine(mode Mode, cb Callback) *Engine {
	e := New(WithAppInfo("BibleSync", "1.0", "linux", "desktop", "tester"))
	e.mode = mode
	e.callback = cb
	return e
}

func datagramFrom(t *testing.T, u uuid.UUID, msgType uint8, fields map[string]string) []byte {
	t.Helper()
	raw := [16]byte(u)
	fields[wire.FieldAppInstUUID] = u.String()
	return wire.Encode(wire.VersionCurrent, msgType, raw, fields)
}

func announceFields(user string) map[string]string {
	return map[string]string{
		wire.FieldAppName:    "App",
		wire.FieldAppVersion: "1.0",
		wire.FieldAppUser:    user,
		wire.FieldPassPhrase: DefaultPassphrase,
	}
}

// Scenario A: presence.
func TestScenarioAPresence(t *testing.T) {
	var events []Event
	e := newTestEngine(ModeAudience, func(ev Event) { events = append(events, ev) })

	peer := uuid.New()
	datagram := datagramFrom(t, peer, wire.TypeAnnounce, announceFields("Alice"))
	e.handleDatagram(datagram, "10.0.0.5")

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, CommandAnnounce, ev.Command)
	assert.Equal(t, peer.String(), ev.UUID)
	assert.Equal(t, "Alice", ev.Bible)
	assert.Equal(t, "10.0.0.5", ev.Ref)
	assert.Equal(t, "App 1.0", ev.Group)
}

// Scenario B: speaker follow / first-seen auto-follow.
func TestScenarioBSpeakerFollow(t *testing.T) {
	var events []Event
	e := newTestEngine(ModeAudience, func(ev Event) { events = append(events, ev) })

	u1 := uuid.New()
	e.handleDatagram(datagramFrom(t, u1, wire.TypeBeacon, announceFields("Alice")), "10.0.0.5")
	require.Len(t, events, 1)
	assert.Equal(t, CommandSpeaker, events[0].Command)
	assert.Equal(t, u1.String(), events[0].UUID)

	entry, ok := e.registry.Lookup(u1.String())
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", entry.Address)
	assert.True(t, entry.Listen)
	assert.Equal(t, BeaconCadence*LivenessMultiplier, entry.Countdown)

	u2 := uuid.New()
	e.handleDatagram(datagramFrom(t, u2, wire.TypeBeacon, announceFields("Bob")), "10.0.0.6")
	require.Len(t, events, 2)
	assert.Equal(t, CommandSpeaker, events[1].Command)

	entry2, ok := e.registry.Lookup(u2.String())
	require.True(t, ok)
	assert.False(t, entry2.Listen)
}

// Scenario C: spoof rejection.
func TestScenarioCSpoof(t *testing.T) {
	var events []Event
	e := newTestEngine(ModeAudience, func(ev Event) { events = append(events, ev) })

	u1 := uuid.New()
	e.handleDatagram(datagramFrom(t, u1, wire.TypeBeacon, announceFields("Alice")), "10.0.0.5")

	u2 := uuid.New()
	e.handleDatagram(datagramFrom(t, u2, wire.TypeBeacon, announceFields("Bob")), "10.0.0.6")

	events = nil
	e.handleDatagram(datagramFrom(t, u1, wire.TypeBeacon, announceFields("Alice")), "10.0.0.99")

	require.Len(t, events, 1)
	assert.Equal(t, CommandMismatch, events[0].Command)
	assert.Contains(t, events[0].Info, "Spoof")

	entry1, _ := e.registry.Lookup(u1.String())
	assert.Equal(t, "10.0.0.5", entry1.Address)
	entry2, _ := e.registry.Lookup(u2.String())
	assert.Equal(t, "10.0.0.6", entry2.Address)
}

// Scenario D: sync navigation.
func TestScenarioDSync(t *testing.T) {
	var events []Event
	e := newTestEngine(ModeAudience, func(ev Event) { events = append(events, ev) })

	u1 := uuid.New()
	e.handleDatagram(datagramFrom(t, u1, wire.TypeBeacon, announceFields("Alice")), "10.0.0.5")

	syncFields := announceFields("Alice")
	syncFields[wire.FieldBibleAbbrev] = "KJV"
	syncFields[wire.FieldDomain] = "BIBLE-VERSE"
	syncFields[wire.FieldGroup] = "1"
	syncFields[wire.FieldVerse] = "Gen.1.1"

	events = nil
	e.handleDatagram(datagramFrom(t, u1, wire.TypeSync, syncFields), "10.0.0.5")

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, CommandNavigation, ev.Command)
	assert.Equal(t, u1.String(), ev.UUID)
	assert.Equal(t, "KJV", ev.Bible)
	assert.Equal(t, "Gen.1.1", ev.Ref)
	assert.Equal(t, "1", ev.Group)
	assert.Equal(t, "BIBLE-VERSE", ev.Domain)
}

// Scenario E: expiry.
func TestScenarioEExpiry(t *testing.T) {
	var events []Event
	e := newTestEngine(ModeAudience, func(ev Event) { events = append(events, ev) })

	u1 := uuid.New()
	e.handleDatagram(datagramFrom(t, u1, wire.TypeBeacon, announceFields("Alice")), "10.0.0.5")

	events = nil
	for i := 0; i < 30; i++ {
		for _, uuidStr := range e.registry.AgeTick() {
			events = append(events, Event{Command: CommandDeparted, UUID: uuidStr})
		}
	}

	require.Len(t, events, 1)
	assert.Equal(t, CommandDeparted, events[0].Command)
	assert.Equal(t, u1.String(), events[0].UUID)
	_, ok := e.registry.Lookup(u1.String())
	assert.False(t, ok)
}

// Scenario F: chat truncation.
func TestScenarioFChatTruncation(t *testing.T) {
	e := New(WithAppInfo("BibleSync", "1.0", "linux", "desktop", "tester"))
	e.mode = ModePersonal

	longChat := "line one\nline two\n" + string(make([]byte, wire.MaxBody))

	fields := e.buildFields(wire.TypeChat, longChat, "", "", "", "")
	datagram := wire.Encode(wire.VersionCurrent, wire.TypeChat, e.uuidBytes(), fields)

	assert.LessOrEqual(t, len(datagram), wire.MaxDatagram)
	assert.Equal(t, byte('\n'), datagram[len(datagram)-1])

	body, err := wire.ParseBody(datagram[wire.HeaderSize:])
	require.NoError(t, err)
	if chat, ok := body[wire.FieldChat]; ok {
		assert.NotContains(t, chat, "\n")
	}
}

func TestSelfEchoSuppression(t *testing.T) {
	var events []Event
	e := newTestEngine(ModeAudience, func(ev Event) { events = append(events, ev) })

	selfUUID := uuid.MustParse(e.identity)

	datagram := datagramFrom(t, selfUUID, wire.TypeAnnounce, announceFields("Me"))
	e.handleDatagram(datagram, "10.0.0.5")

	assert.Empty(t, events)
}

func TestModeGatingDisabledRefusesAll(t *testing.T) {
	e := newTestEngine(ModeDisabled, nil)
	assert.Equal(t, StatusDisabled, e.Transmit(wire.TypeAnnounce, "", "", "", "", ""))
	assert.Equal(t, StatusDisabled, e.Transmit(wire.TypeSync, "", "", "", "", ""))
	assert.Equal(t, StatusDisabled, e.Transmit(wire.TypeBeacon, "", "", "", "", ""))
	assert.Equal(t, StatusDisabled, e.Transmit(wire.TypeChat, "", "", "", "", ""))
}

func TestModeGatingAudienceRefusesSyncAndBeacon(t *testing.T) {
	e := newTestEngine(ModeAudience, nil)
	e.sockets = &multicastSockets{}
	assert.Equal(t, StatusAudienceCannotSync, e.Transmit(wire.TypeSync, "", "", "", "", ""))
	assert.Equal(t, StatusAudienceCannotSync, e.Transmit(wire.TypeBeacon, "", "", "", "", ""))
}

func TestReentrantSyncGuard(t *testing.T) {
	e := newTestEngine(ModePersonal, nil)
	e.sockets = &multicastSockets{}
	e.receiving = true
	assert.Equal(t, StatusReentrantSync, e.Transmit(wire.TypeSync, "", "", "", "", ""))
}

func TestDomainGroupValidation(t *testing.T) {
	var events []Event
	e := newTestEngine(ModeAudience, func(ev Event) { events = append(events, ev) })

	u1 := uuid.New()
	e.handleDatagram(datagramFrom(t, u1, wire.TypeBeacon, announceFields("Alice")), "10.0.0.5")

	syncFields := announceFields("Alice")
	syncFields[wire.FieldBibleAbbrev] = "KJV"
	syncFields[wire.FieldDomain] = "NOT-A-DOMAIN"
	syncFields[wire.FieldGroup] = "1"
	syncFields[wire.FieldVerse] = "Gen.1.1"

	events = nil
	e.handleDatagram(datagramFrom(t, u1, wire.TypeSync, syncFields), "10.0.0.5")
	require.Len(t, events, 1)
	assert.Equal(t, CommandError, events[0].Command)

	syncFields[wire.FieldDomain] = "BIBLE-VERSE"
	syncFields[wire.FieldGroup] = "X"
	events = nil
	e.handleDatagram(datagramFrom(t, u1, wire.TypeSync, syncFields), "10.0.0.5")
	require.Len(t, events, 1)
	assert.Equal(t, CommandError, events[0].Command)
}

func TestPassphraseGating(t *testing.T) {
	var events []Event
	e := newTestEngine(ModeAudience, func(ev Event) { events = append(events, ev) })

	u1 := uuid.New()
	e.handleDatagram(datagramFrom(t, u1, wire.TypeBeacon, announceFields("Alice")), "10.0.0.5")

	syncFields := announceFields("Alice")
	syncFields[wire.FieldBibleAbbrev] = "KJV"
	syncFields[wire.FieldDomain] = "BIBLE-VERSE"
	syncFields[wire.FieldGroup] = "1"
	syncFields[wire.FieldVerse] = "Gen.1.1"
	syncFields[wire.FieldPassPhrase] = "wrong-passphrase"

	events = nil
	e.handleDatagram(datagramFrom(t, u1, wire.TypeSync, syncFields), "10.0.0.5")
	require.Len(t, events, 1)
	assert.Equal(t, CommandMismatch, events[0].Command)
}

func TestMissingRequiredFieldsReported(t *testing.T) {
	var events []Event
	e := newTestEngine(ModeAudience, func(ev Event) { events = append(events, ev) })

	fields := announceFields("Alice")
	delete(fields, wire.FieldAppUser)

	u1 := uuid.New()
	e.handleDatagram(datagramFrom(t, u1, wire.TypeAnnounce, fields), "10.0.0.5")

	require.Len(t, events, 1)
	assert.Equal(t, CommandError, events[0].Command)
	assert.Contains(t, events[0].Info, wire.FieldAppUser)
}

func TestModeChangeBetweenActiveModesRequiresCallback(t *testing.T) {
	var events []Event
	e := newTestEngine(ModePersonal, func(ev Event) { events = append(events, ev) })

	err := e.SetMode(ModeAudience, nil, "")
	require.Error(t, err)
	assert.Equal(t, ModeDisabled, e.mode)
	require.Len(t, events, 1)
	assert.Equal(t, CommandError, events[0].Command)
}
