package sdo

// timer counts milliseconds since the last frame of a transfer.
// The count saturates at the timeout, so that an expired timer stays
// expired until reset.
type timer struct {
	elapsed uint32
	timeout uint32
}

func (t *timer) reset() {
	t.elapsed = 0
}

// Advance timer and return true if the timeout is reached
func (t *timer) advance(timeDifferenceMs uint32) bool {
	if t.elapsed < t.timeout {
		t.elapsed += timeDifferenceMs
	}
	return t.expired()
}

func (t *timer) expired() bool {
	return t.elapsed >= t.timeout
}

// Milliseconds left before timeout
func (t *timer) remaining() uint32 {
	if t.expired() {
		return 0
	}
	return t.timeout - t.elapsed
}
