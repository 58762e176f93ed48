package persist

// Trap is the scoped guard FaultTrap returns: closing it restores the
// fault handler that was active before it was pushed.
type Trap struct {
	recover func(recovered any)
	prev    *Trap
}

var currentTrap *Trap

// FaultTrap models the reference firmware's push/pop stack of fault
// handlers that rewrite the CPU exception frame's program counter: an
// RAII-style scoped guard whose Close restores whatever trap, if any,
// was installed before it — `defer trap.Close()` is the Go shape of
// "push/pop is stack disciplined." On the host simulator Guard recovers
// a Go panic raised inside a guarded region and hands it to recover
// instead of rewriting an exception frame; the PC-rewrite itself is an
// HAL concern out of scope here, but the acquire/release discipline is
// real and tested.
func FaultTrap(recover func(recovered any)) *Trap {
	trap := &Trap{recover: recover, prev: currentTrap}
	currentTrap = trap
	return trap
}

// Close restores the fault trap that was active before this one was
// pushed. Calling Close out of push order panics: the stack discipline
// is a programmer invariant, not a runtime condition.
func (t *Trap) Close() {
	if currentTrap != t {
		panic("persist: fault trap closed out of push order")
	}
	currentTrap = t.prev
}

// Guard runs fn under the currently installed trap, recovering any panic
// fn raises and handing it to that trap's recover closure — the
// resume-point the reference firmware's handler jumps to, modeled here
// as a plain closure call rather than a one-shot continuation. With no
// trap installed, a panic propagates normally.
func Guard(fn func()) {
	trap := currentTrap
	defer func() {
		if r := recover(); r != nil {
			if trap != nil && trap.recover != nil {
				trap.recover(r)
				return
			}
			panic(r)
		}
	}()
	fn()
}
