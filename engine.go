// Package biblesync implements the BibleSync LAN navigation-sync protocol
// engine: wire codec, speaker registry, mode machine, and the single
// cooperative receive/transmit path that ties them together (spec §2).
//
// The public surface (New, SetMode, Transmit, ReceivePoll, ListenTo,
// SetPrivate, ClearSpeakers, Shutdown) follows the teacher's setter-chain
// facade (gyre.go's Gyre type), but unlike the teacher the engine here runs
// on exactly one goroutine: the host's own, driven by periodic calls to
// ReceivePoll. Spec §5 rules out the teacher's actor-goroutine-plus-channel
// design (node.go's handler()) for this protocol, so that shape is
// deliberately not carried over.
package biblesync

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/biblesync/biblesync/iface"
	"github.com/biblesync/biblesync/registry"
	"github.com/biblesync/biblesync/wire"
)

// Design values (spec §3, §4.6).
const (
	DefaultPort           = 22272
	DefaultGroupAddress   = "239.225.27.227"
	DefaultPassphrase     = "BibleSync"
	BeaconCadence         = 10 // B: ticks between outgoing beacons in a speaker role
	LivenessMultiplier    = 3  // M: a beacon sets countdown to B*M
	recvBufferSize        = wire.MaxDatagram
)

var errTransitionNeedsCallback = errors.New("mode change between active modes requires a non-null callback")

// TransmitStatus is the typed refusal/acceptance status of a Transmit call
// (spec §7 "Transmit refusals").
type TransmitStatus int

const (
	StatusOK TransmitStatus = iota
	StatusDisabled
	StatusNoSocket
	StatusBadType
	StatusAudienceCannotSync
	StatusReentrantSync
	StatusSendError
)

func (s TransmitStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDisabled:
		return "disabled"
	case StatusNoSocket:
		return "no-socket"
	case StatusBadType:
		return "bad-type"
	case StatusAudienceCannotSync:
		return "audience-cannot-sync"
	case StatusReentrantSync:
		return "receiving"
	case StatusSendError:
		return "send-error"
	default:
		return "unknown"
	}
}

// PollResult tells the host whether to keep scheduling ReceivePoll.
type PollResult int

const (
	PollContinue PollResult = iota
	PollStop
)

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithPort overrides the UDP port (default DefaultPort).
func WithPort(port int) Option { return func(e *Engine) { e.port = port } }

// WithGroupAddress overrides the multicast group address.
func WithGroupAddress(ip net.IP) Option { return func(e *Engine) { e.groupIP = ip } }

// WithInterfaceSelector overrides how the outbound interface is chosen
// (spec §1's opaque "pick a multicast-capable IPv4 address" collaborator).
func WithInterfaceSelector(sel iface.Selector) Option { return func(e *Engine) { e.selector = sel } }

// WithAppInfo sets the application identity fields transmitted in every
// datagram (app.name, app.version, app.os, app.device, app.user).
func WithAppInfo(name, version, os, device, user string) Option {
	return func(e *Engine) {
		e.appName, e.appVersion, e.appOS, e.appDevice, e.appUser = name, version, os, device, user
	}
}

// WithLogger overrides the logrus logger used for ambient diagnostics.
func WithLogger(l *logrus.Logger) Option { return func(e *Engine) { e.log = l.WithField("component", "biblesync") } }

// Engine is the BibleSync protocol engine (spec §2). Construction yields a
// disabled engine with sockets closed (spec §3 Lifecycle).
type Engine struct {
	uuid       uuid.UUID
	identity   string
	mode       Mode
	passphrase string
	callback   Callback
	receiving  bool
	private    bool

	registry        *registry.Registry
	beaconCountdown int

	sockets  *multicastSockets
	selector iface.Selector
	groupIP  net.IP
	port     int

	appName, appVersion, appOS, appDevice, appUser string

	log   *logrus.Entry
	stats Stats

	recvBuf []byte
}

// New creates a disabled engine. Call SetMode to a non-disabled mode to
// open sockets and begin participating.
func New(opts ...Option) *Engine {
	e := &Engine{
		uuid:       uuid.New(),
		mode:       ModeDisabled,
		passphrase: DefaultPassphrase,
		registry:   registry.New(BeaconCadence, LivenessMultiplier),
		selector:   iface.Default,
		groupIP:    net.ParseIP(DefaultGroupAddress),
		port:       DefaultPort,
		appName:    "BibleSync",
		appVersion: "1.0",
		log:        logrus.WithField("component", "biblesync"),
		recvBuf:    make([]byte, recvBufferSize),
	}
	e.identity = e.uuid.String()
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UUID returns the canonical lowercase 8-4-4-4-12 instance identifier.
func (e *Engine) UUID() string { return e.identity }

// Mode returns the current mode.
func (e *Engine) Mode() Mode { return e.mode }

// Stats returns a snapshot of activity counters.
func (e *Engine) Stats() Stats { return e.stats }

func (e *Engine) emit(ev Event) {
	if e.callback == nil {
		return
	}
	e.callback(ev)
}

// SetMode performs the mode transition described in spec §4.3.
func (e *Engine) SetMode(mode Mode, cb Callback, passphrase string) error {
	if mode == ModeDisabled {
		e.shutdownInternal()
		e.mode = ModeDisabled
		e.callback = nil
		return nil
	}

	wasDisabled := e.mode == ModeDisabled

	if !wasDisabled && cb == nil {
		prevCB := e.callback
		e.shutdownInternal()
		e.mode = ModeDisabled
		e.callback = nil
		if prevCB != nil {
			prevCB(Event{Command: CommandError, Info: errTransitionNeedsCallback.Error()})
		}
		return errTransitionNeedsCallback
	}

	if cb != nil {
		e.callback = cb
	}
	if passphrase != "" {
		e.passphrase = passphrase
	}
	e.mode = mode

	if wasDisabled {
		if err := e.openSockets(); err != nil {
			e.log.WithError(err).Error("setup failed")
			e.emit(Event{Command: CommandError, Info: "setup failed: " + err.Error()})
			e.mode = ModeDisabled
			e.callback = nil
			return err
		}
		e.beaconCountdown = e.registry.Cadence
		if mode.runsBeaconCadence() {
			e.sendBeacon()
		}
		e.sendAnnounce()
	}

	return nil
}

func (e *Engine) openSockets() error {
	localIP, err := e.selector()
	if err != nil {
		e.log.WithError(err).Warn("interface selection failed, using loopback")
	}
	if localIP == nil {
		localIP = net.ParseIP(iface.Loopback)
	}

	ttl := 1
	if e.mode == ModePersonal && e.private {
		ttl = 0
	}

	sockets, err := openMulticastSockets(e.groupIP, e.port, localIP, ttl, true)
	if err != nil {
		return errors.Wrap(err, "open multicast sockets")
	}
	e.sockets = sockets
	return nil
}

func (e *Engine) shutdownInternal() {
	for _, uuid := range e.registry.ClearAll() {
		e.emit(Event{Command: CommandDeparted, UUID: uuid})
	}
	if e.sockets != nil {
		e.sockets.close()
		e.sockets = nil
	}
}

// ClearSpeakers empties the speaker registry, emitting a departure event
// per entry (spec §4.2 clear_all).
func (e *Engine) ClearSpeakers() {
	for _, uuid := range e.registry.ClearAll() {
		e.emit(Event{Command: CommandDeparted, UUID: uuid})
	}
}

// ListenTo sets whether a tracked speaker's sync messages are acted upon.
func (e *Engine) ListenTo(uuid string, listen bool) bool {
	return e.registry.Listen(uuid, listen)
}

// SetPrivate controls multicast TTL. Only personal mode may request TTL 0;
// any other mode silently clamps to non-private (TTL 1) rather than failing
// the call, matching the original's unconditional override (spec §6, §9).
// This is best-effort privacy, not a security property: it relies on the
// kernel honoring TTL 0 as "do not emit on the wire".
func (e *Engine) SetPrivate(private bool) error {
	if e.mode != ModePersonal {
		private = false
	}
	e.private = private
	if e.sockets == nil {
		return nil
	}
	ttl := 1
	if private {
		ttl = 0
	}
	return e.sockets.setTTL(ttl)
}

// Shutdown transitions to disabled: closes sockets, clears the registry
// with departures, and detaches the callback.
func (e *Engine) Shutdown() {
	e.shutdownInternal()
	e.mode = ModeDisabled
	e.callback = nil
}

func (e *Engine) uuidBytes() [16]byte { return [16]byte(e.uuid) }

func (e *Engine) buildFields(msgType uint8, bible, ref, alt, group, domain string) map[string]string {
	fields := map[string]string{
		wire.FieldAppName:     e.appName,
		wire.FieldAppVersion:  e.appVersion,
		wire.FieldAppInstUUID: e.identity,
		wire.FieldAppOS:       e.appOS,
		wire.FieldAppDevice:   e.appDevice,
		wire.FieldAppUser:     e.appUser,
		wire.FieldPassPhrase:  e.passphrase,
	}
	switch msgType {
	case wire.TypeChat:
		fields[wire.FieldChat] = wire.SanitizeChat(bible)
	case wire.TypeSync:
		fields[wire.FieldBibleAbbrev] = bible
		fields[wire.FieldDomain] = domain
		fields[wire.FieldGroup] = group
		fields[wire.FieldAltVerse] = alt
		fields[wire.FieldVerse] = ref
	}
	return fields
}

// sendRaw writes a pre-built datagram and applies spec §4.5/§7's "any send
// error is fatal" policy.
func (e *Engine) sendRaw(datagram []byte) error {
	if e.sockets == nil {
		return errors.New("no socket")
	}
	if err := e.sockets.send(datagram); err != nil {
		e.log.WithError(err).Error("send failed, shutting down")
		e.emit(Event{Command: CommandError, Info: "send failed: " + err.Error()})
		e.shutdownInternal()
		e.mode = ModeDisabled
		return err
	}
	e.stats.Sent++
	return nil
}

func (e *Engine) sendBeacon() {
	fields := e.buildFields(wire.TypeBeacon, "", "", "", "", "")
	datagram := wire.Encode(wire.VersionCurrent, wire.TypeBeacon, e.uuidBytes(), fields)
	e.sendRaw(datagram)
}

func (e *Engine) sendAnnounce() {
	fields := e.buildFields(wire.TypeAnnounce, "", "", "", "", "")
	datagram := wire.Encode(wire.VersionCurrent, wire.TypeAnnounce, e.uuidBytes(), fields)
	e.sendRaw(datagram)
}

// Transmit constructs and sends one datagram per spec §4.5, subject to the
// sanity checks and mode gating of §4.3.
func (e *Engine) Transmit(msgType uint8, bible, ref, alt, group, domain string) TransmitStatus {
	if e.mode == ModeDisabled {
		return StatusDisabled
	}
	if msgType == wire.TypeSync && e.receiving {
		return StatusReentrantSync
	}
	if e.sockets == nil {
		return StatusNoSocket
	}
	switch msgType {
	case wire.TypeAnnounce, wire.TypeSync, wire.TypeBeacon, wire.TypeChat:
	default:
		return StatusBadType
	}
	if !e.mode.canTransmit(msgType) {
		if e.mode == ModeAudience {
			return StatusAudienceCannotSync
		}
		return StatusDisabled
	}

	fields := e.buildFields(msgType, bible, ref, alt, group, domain)
	datagram := wire.Encode(wire.VersionCurrent, msgType, e.uuidBytes(), fields)
	if err := e.sendRaw(datagram); err != nil {
		return StatusSendError
	}
	return StatusOK
}

// ReceivePoll drains all currently available datagrams, dispatches each to
// the host callback, then runs the periodic tick (age_tick and, in a
// speaker role, the beacon cadence countdown) — spec §4.4, §5.
func (e *Engine) ReceivePoll() PollResult {
	if e.mode == ModeDisabled {
		return PollStop
	}
	if e.sockets != nil {
		for {
			n, src, ok := e.sockets.recvOne(e.recvBuf)
			if !ok {
				break
			}
			datagram := make([]byte, n)
			copy(datagram, e.recvBuf[:n])
			addr, _, _ := net.SplitHostPort(src.String())
			if addr == "" {
				addr = src.String()
			}
			e.handleDatagram(datagram, addr)
		}
	}

	for _, uuid := range e.registry.AgeTick() {
		e.emit(Event{Command: CommandDeparted, UUID: uuid})
	}

	if e.mode.runsBeaconCadence() {
		e.beaconCountdown--
		if e.beaconCountdown <= 0 {
			e.sendBeacon()
			e.beaconCountdown = e.registry.Cadence
		}
	}

	if e.mode == ModeDisabled {
		return PollStop
	}
	return PollContinue
}

func (e *Engine) diag(info, rawDump string) {
	e.stats.Protocol++
	e.emit(Event{Command: CommandError, Info: info, RawDump: rawDump})
}

func rawDump(h wire.Header, body map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "magic=%08X version=%d type=%d num=%d idx=%d uuid=%X", h.Magic, h.Version, h.MsgType, h.NumPackets, h.IndexPacket, h.UUID)
	if len(body) > 0 {
		b.WriteString(" body={")
		first := true
		for k, v := range body {
			if !first {
				b.WriteString(", ")
			}
			first = false
			fmt.Fprintf(&b, "%s=%s", k, v)
		}
		b.WriteString("}")
	}
	return b.String()
}

func (e *Engine) handleDatagram(datagram []byte, srcAddr string) {
	e.stats.Received++

	h, err := wire.DecodeHeader(datagram)
	if err != nil {
		e.diag("short datagram", fmt.Sprintf("len=%d from %s", len(datagram), srcAddr))
		return
	}
	if h.Magic != wire.Magic {
		e.diag("bad magic", rawDump(h, nil))
		return
	}
	if h.Version != wire.VersionLegacy && h.Version != wire.VersionCurrent {
		e.diag("bad version", rawDump(h, nil))
		return
	}
	switch h.MsgType {
	case wire.TypeAnnounce, wire.TypeSync, wire.TypeBeacon, wire.TypeChat:
	default:
		e.diag("bad message type", rawDump(h, nil))
		return
	}
	if h.NumPackets != 1 {
		e.diag("bad packet count", rawDump(h, nil))
		return
	}
	if h.IndexPacket != 0 {
		e.diag("bad packet index", rawDump(h, nil))
		return
	}
	// spec §9 open question: a version-1 peer originating chat cannot
	// happen by protocol; treat it as a protocol error if it does.
	if h.MsgType == wire.TypeChat && h.Version == wire.VersionLegacy {
		e.diag("bad version for message type", rawDump(h, nil))
		return
	}

	body, err := wire.ParseBody(datagram[wire.HeaderSize:])
	if err != nil {
		e.diag(err.Error(), rawDump(h, nil))
		return
	}

	required := wire.RequiredFields(h.MsgType)
	var missing []string
	for _, field := range required {
		if _, ok := body[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		e.diag("missing required field(s): "+strings.Join(missing, ", "), rawDump(h, body))
		return
	}

	senderUUID := uuid.UUID(h.UUID).String()
	if senderUUID == e.identity {
		return // self-echo suppression: drop silently
	}

	if entry, ok := e.registry.Lookup(senderUUID); ok && entry.Address != srcAddr {
		e.stats.Spoofs++
		e.emit(Event{
			Command: CommandMismatch,
			UUID:    senderUUID,
			Info:    "Spoof detected: beacon from unexpected address",
			RawDump: rawDump(h, body),
		})
		return
	}

	passMatches := body[wire.FieldPassPhrase] == e.passphrase

	e.receiving = true
	switch h.MsgType {
	case wire.TypeAnnounce:
		e.handleAnnounce(senderUUID, srcAddr, body, passMatches)
	case wire.TypeBeacon:
		e.handleBeacon(senderUUID, srcAddr, body, passMatches, h)
	case wire.TypeSync:
		e.handleSync(senderUUID, body, passMatches, h)
	case wire.TypeChat:
		e.handleChat(senderUUID, srcAddr, body, passMatches)
	}
	e.receiving = false
}

// presenceString reproduces the original C implementation's announce-event
// wording verbatim (biblesync.cc's ReceiveInternal, BSP_ANNOUNCE branch):
// "BibleSync: " + user + " present at " + addr + " using " + appname + " "
// + version + ".". Beacons never build this string in the original, only
// announce does, which this engine preserves.
func presenceString(user, appName, appVersion, addr string) string {
	return fmt.Sprintf("BibleSync: %s present at %s using %s %s.", user, addr, appName, appVersion)
}

func (e *Engine) handleAnnounce(senderUUID, srcAddr string, body map[string]string, passMatches bool) {
	cmd := CommandAnnounce
	if !passMatches {
		cmd = CommandMismatch
		e.stats.Mismatches++
	}
	e.emit(Event{
		Command: cmd,
		UUID:    senderUUID,
		Bible:   body[wire.FieldAppUser],
		Ref:     srcAddr,
		Alt:     presenceString(body[wire.FieldAppUser], body[wire.FieldAppName], body[wire.FieldAppVersion], srcAddr),
		Group:   fmt.Sprintf("%s %s", body[wire.FieldAppName], body[wire.FieldAppVersion]),
		Domain:  body[wire.FieldAppDevice],
	})
}

func (e *Engine) handleBeacon(senderUUID, srcAddr string, body map[string]string, passMatches bool, h wire.Header) {
	result := e.registry.ObserveBeacon(senderUUID, srcAddr, passMatches, e.mode.isSpeaker())

	cmd := commandSuppressed
	switch result {
	case registry.ResultMismatch:
		cmd = CommandMismatch
		e.stats.Mismatches++
	case registry.ResultNew:
		cmd = CommandSpeaker
	case registry.ResultSpoof:
		cmd = CommandMismatch
		e.stats.Spoofs++
	case registry.ResultKnown:
		// Subsequent beacons from an already-known speaker are
		// suppressed from the host (spec §4.4).
		cmd = commandSuppressed
	}

	if cmd == commandSuppressed {
		return
	}

	ev := Event{Command: cmd, UUID: senderUUID}
	switch result {
	case registry.ResultMismatch:
		ev.Info = "passphrase mismatch"
	case registry.ResultNew:
		ev.Ref = srcAddr
		ev.Bible = body[wire.FieldAppUser]
		ev.Group = fmt.Sprintf("%s %s", body[wire.FieldAppName], body[wire.FieldAppVersion])
	case registry.ResultSpoof:
		ev.Info = "Spoof detected: address mismatch"
		ev.RawDump = rawDump(h, body)
	}
	e.emit(ev)
}

func (e *Engine) handleSync(senderUUID string, body map[string]string, passMatches bool, h wire.Header) {
	domain := body[wire.FieldDomain]
	group := body[wire.FieldGroup]
	if domain != "BIBLE-VERSE" || !isValidGroup(group) {
		e.diag("invalid sync domain or group", rawDump(h, body))
		return
	}

	entry, tracked := e.registry.Lookup(senderUUID)
	listening := tracked && entry.Listen

	if e.mode.actsOnSync() && listening && passMatches {
		e.emit(Event{
			Command: CommandNavigation,
			UUID:    senderUUID,
			Bible:   body[wire.FieldBibleAbbrev],
			Ref:     body[wire.FieldVerse],
			Alt:     body[wire.FieldAltVerse],
			Group:   group,
			Domain:  domain,
		})
		return
	}

	if !passMatches {
		e.stats.Mismatches++
	}
	e.emit(Event{
		Command: CommandMismatch,
		UUID:    senderUUID,
		Bible:   body[wire.FieldBibleAbbrev],
		Ref:     body[wire.FieldVerse],
		Alt:     body[wire.FieldAltVerse],
		Group:   group,
		Domain:  domain,
	})
}

func isValidGroup(group string) bool {
	return len(group) == 1 && group[0] >= '1' && group[0] <= '9'
}

func (e *Engine) handleChat(senderUUID, srcAddr string, body map[string]string, passMatches bool) {
	cmd := CommandChat
	if !passMatches {
		cmd = CommandMismatch
		e.stats.Mismatches++
	}
	e.emit(Event{
		Command: cmd,
		UUID:    senderUUID,
		Bible:   body[wire.FieldAppUser],
		Ref:     srcAddr,
		Alt:     body[wire.FieldChat],
		Group:   fmt.Sprintf("%s %s", body[wire.FieldAppName], body[wire.FieldAppVersion]),
		Domain:  body[wire.FieldAppDevice],
	})
}
