package loopguard

import "time"

// timeNow and timeNewTicker are indirected the way catrate's Limiter
// indirects them, so timing-sensitive tests (stall/leak/deadlock
// detection, dedup windows) can substitute a controllable clock instead
// of sleeping real wall-clock durations.
var (
	timeNow       = time.Now
	timeNewTicker = time.NewTicker
)
