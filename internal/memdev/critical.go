package memdev

import "sync"

// critical serializes flash program/erase operations: every program/erase
// call must disable interrupts for the duration of the hardware operation,
// because the routine runs from RAM and concurrent flash reads from
// interrupt context are forbidden on the target. There is no real
// interrupt controller to mask on the host, so a mutex plays the role of
// the saved-and-restored CPU interrupt mask: it still gives every caller
// the "enter critical section, do the op, leave critical section"
// discipline, and a bare-metal HAL can substitute a real mask-save/restore
// by implementing the same enter/exit shape.
var critical sync.Mutex

// CriticalSection models "save interrupt mask, disable, ..., restore".
type CriticalSection struct{}

// EnterCritical acquires the flash critical section.
func EnterCritical() CriticalSection {
	critical.Lock()
	return CriticalSection{}
}

// Exit restores the previous interrupt mask (releases the section).
func (CriticalSection) Exit() { critical.Unlock() }
