// Package registry tracks peers that have beaconed to this engine: a
// mapping from peer instance-UUID to a pinned source address, a listen
// flag and a liveness countdown. It is the single-threaded analogue of
// the teacher's peer map (peer.go) adapted from wall-clock evasive/expired
// timers to the tick-based countdown this protocol uses (spec §3/§4.2) so
// that it needs no clock and no lock — the engine drives it from one
// goroutine, once per receive-poll.
package registry

// Entry is a single tracked speaker.
type Entry struct {
	Address   string // source address pinned at first acceptance
	Listen    bool   // whether this speaker's sync messages are acted upon
	Countdown int    // ticks remaining until expiry
}

// Result describes the outcome of ObserveBeacon.
type Result int

const (
	// ResultMismatch: the passphrase did not match; the registry was not touched.
	ResultMismatch Result = iota
	// ResultNew: a previously unseen UUID was inserted.
	ResultNew
	// ResultSpoof: the UUID is known from a different address; rejected.
	ResultSpoof
	// ResultKnown: the UUID was refreshed from its pinned address.
	ResultKnown
)

// Registry holds all currently tracked speakers.
type Registry struct {
	// Cadence is B, the beacon interval in ticks; Multiplier is M, the
	// liveness multiplier. A beacon sets countdown to Cadence*Multiplier.
	Cadence    int
	Multiplier int

	entries map[string]*Entry
}

// New creates an empty registry with the given beacon cadence and liveness
// multiplier (design values: B=10, M=3).
func New(cadence, multiplier int) *Registry {
	return &Registry{
		Cadence:    cadence,
		Multiplier: multiplier,
		entries:    make(map[string]*Entry),
	}
}

// ObserveBeacon applies one received beacon to the registry. Announces do
// not pass through it.
//
//   - passphraseMatches == false: the registry is untouched; ResultMismatch.
//   - uuid absent: inserted with countdown = Cadence*Multiplier. listen is
//     false in speaker mode; otherwise true only if this is the sole entry
//     (first-seen auto-follow), else false. ResultNew.
//   - uuid present from a different address: ResultSpoof, no mutation.
//   - uuid present from the same address: countdown reset, listen
//     unchanged, ResultKnown.
func (r *Registry) ObserveBeacon(uuid, sourceAddr string, passphraseMatches, speakerMode bool) Result {
	if !passphraseMatches {
		return ResultMismatch
	}

	if entry, ok := r.entries[uuid]; ok {
		if entry.Address != sourceAddr {
			return ResultSpoof
		}
		entry.Countdown = r.Cadence * r.Multiplier
		return ResultKnown
	}

	listen := false
	if !speakerMode && len(r.entries) == 0 {
		listen = true
	}
	r.entries[uuid] = &Entry{
		Address:   sourceAddr,
		Listen:    listen,
		Countdown: r.Cadence * r.Multiplier,
	}
	return ResultNew
}

// Listen sets the listen flag for a known speaker. Reports whether the
// speaker was found.
func (r *Registry) Listen(uuid string, listen bool) bool {
	entry, ok := r.entries[uuid]
	if !ok {
		return false
	}
	entry.Listen = listen
	return true
}

// Lookup returns the entry for uuid, if tracked.
func (r *Registry) Lookup(uuid string) (Entry, bool) {
	entry, ok := r.entries[uuid]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// AgeTick decrements every entry's countdown by one tick and removes any
// entry that reaches zero, returning the UUIDs removed this tick (in
// removal order). Collecting victims before deleting means the traversal
// is never invalidated by mutation mid-iteration (spec §9's note on the
// teacher's iterator-invalidating erase).
func (r *Registry) AgeTick() []string {
	var expired []string
	for uuid, entry := range r.entries {
		entry.Countdown--
		if entry.Countdown <= 0 {
			expired = append(expired, uuid)
		}
	}
	for _, uuid := range expired {
		delete(r.entries, uuid)
	}
	return expired
}

// ClearAll removes every entry, returning the UUIDs that were present.
func (r *Registry) ClearAll() []string {
	uuids := make([]string, 0, len(r.entries))
	for uuid := range r.entries {
		uuids = append(uuids, uuid)
	}
	r.entries = make(map[string]*Entry)
	return uuids
}

// Len reports the number of tracked speakers.
func (r *Registry) Len() int {
	return len(r.entries)
}
