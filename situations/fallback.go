package situations

import "sync/atomic"

// fallbackTexts is the built-in rotating list used when the situation
// generator is unavailable (spec §7: ExternalUnavailable is recovered
// locally so the round never stalls).
var fallbackTexts = []string{
	"When you realize the meeting could have been an email.",
	"That feeling when your code works and you don't know why.",
	"Monday morning versus Friday afternoon energy.",
	"When someone asks 'quick question' and it takes an hour.",
	"The group chat goes silent after you share big news.",
	"When the WiFi drops during the most important call.",
	"That one relative who always has a conspiracy theory.",
	"When you open the fridge for the fifth time hoping for new food.",
}

var fallbackIndex uint64

// Fallback returns the next built-in situation text in rotation. Safe for
// concurrent use.
func Fallback() string {
	n := atomic.AddUint64(&fallbackIndex, 1) - 1
	return fallbackTexts[n%uint64(len(fallbackTexts))]
}
