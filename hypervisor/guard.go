package hypervisor

// guard is an explicit LIFO stack of unwind actions, standing in for the
// original implementation's scope-guarded RAII unwinding: every step of
// the launch sequence that changes global machine state (the GDTR, CR3,
// CR4, VMX operation) pushes the action that undoes it, and the launch
// path unwinds the whole stack on any later failure. Once the guest is
// running the launch path drops the whole stack at once; there is no
// way to cancel a single action.
type guard struct {
	actions []func()
}

func (g *guard) push(undo func()) {
	g.actions = append(g.actions, undo)
}

// unwind runs every remaining action in reverse order.
func (g *guard) unwind() {
	for i := len(g.actions) - 1; i >= 0; i-- {
		g.actions[i]()
	}

	g.actions = nil
}
