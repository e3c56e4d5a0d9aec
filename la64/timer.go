package la64

import "sync"

// Timer configuration bits in TCFG
const (
	tcfgEnable   = 1 << 0
	tcfgPeriodic = 1 << 1
)

type timerState struct {
	mu     sync.Mutex
	expire uint64
}

// storeTCFG arms or disarms the constant frequency timer. The initial
// value occupies TCFG above the control bits.
func (cpu *CPU) storeTCFG(val uint64) {
	cpu.timer.mu.Lock()
	defer cpu.timer.mu.Unlock()

	cpu.CSR.Tcfg = val
	if val&tcfgEnable != 0 {
		initval := val &^ uint64(tcfgEnable|tcfgPeriodic)
		cpu.timer.expire = cpu.Counter() + initval
	}
}

// readTVAL returns the remaining ticks on the timer, zero once it has
// fired or when it is disabled.
func (cpu *CPU) readTVAL() uint64 {
	cpu.timer.mu.Lock()
	defer cpu.timer.mu.Unlock()

	if cpu.CSR.Tcfg&tcfgEnable == 0 {
		return 0
	}
	now := cpu.Counter()
	if now >= cpu.timer.expire {
		return 0
	}
	return cpu.timer.expire - now
}

// TimerTick checks for expiry and raises the timer interrupt line.
// Periodic timers rearm from the initial value.
func (cpu *CPU) TimerTick() {
	cpu.timer.mu.Lock()
	defer cpu.timer.mu.Unlock()

	if cpu.CSR.Tcfg&tcfgEnable == 0 {
		return
	}
	now := cpu.Counter()
	if now < cpu.timer.expire {
		return
	}

	cpu.IRQ.Set(IRQTimer, true)
	if cpu.CSR.Tcfg&tcfgPeriodic != 0 {
		initval := cpu.CSR.Tcfg &^ uint64(tcfgEnable|tcfgPeriodic)
		cpu.timer.expire = now + initval
	} else {
		cpu.CSR.Tcfg &^= uint64(tcfgEnable)
	}
}

// clearTimerIRQ handles a TICLR write: bit 0 lowers the timer line.
func (cpu *CPU) clearTimerIRQ(val uint64) {
	if val&1 == 0 {
		return
	}
	cpu.timer.mu.Lock()
	defer cpu.timer.mu.Unlock()
	cpu.IRQ.Set(IRQTimer, false)
}
