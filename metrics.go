package biblesync

// Stats is a point-in-time snapshot of engine activity counters, in the
// style of the teacher's periodic stats snapshot (rustyguts-bken's
// server/metrics.go logs a Room's datagram/byte/client counters on a
// ticker). This engine has no background goroutine to run a ticker from,
// so Stats is an on-demand accessor instead of a logged periodic line; the
// host can still log it on its own timer if it wants the same effect.
type Stats struct {
	Sent       int // datagrams successfully transmitted
	Received   int // datagrams drained from the receive socket
	Protocol   int // per-datagram protocol errors (spec §7)
	Mismatches int // passphrase mismatches observed
	Spoofs     int // spoof attempts rejected
}
