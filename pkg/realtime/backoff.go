package realtime

import "time"

// ReconnectDelay returns min(base × 2^attempt, cap). attempt counts the
// reconnects already scheduled since the last successful connection.
func ReconnectDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		return 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		if delay >= cap || delay > cap/2 {
			return cap
		}
		delay *= 2
	}
	if delay > cap {
		return cap
	}
	return delay
}
