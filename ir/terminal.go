package ir

// Terminal describes what generated code does after a block's instructions
// have run. It is a closed set of variants; the backend switches over the
// concrete type.
type Terminal interface {
	isTerminal()
}

// TermInterpret hands the next location to the interpreter fallback.
type TermInterpret struct {
	Next LocationDescriptor
}

// TermReturnToDispatch returns to the host dispatcher loop.
type TermReturnToDispatch struct{}

// TermLinkBlock jumps to the successor block if the cycle budget is still
// positive, otherwise stores the successor's PC and yields. The jump is a
// patchable site: a placeholder until the successor compiles, a direct branch
// after.
type TermLinkBlock struct {
	Next LocationDescriptor
}

// TermLinkBlockFast jumps to the successor unconditionally, without the cycle
// budget check. Same patching discipline as TermLinkBlock.
type TermLinkBlockFast struct {
	Next LocationDescriptor
}

// TermPopRSBHint predicts the return target via the return stack buffer.
type TermPopRSBHint struct{}

// TermFastDispatchHint predicts the next block via the hashed fast dispatch
// table.
type TermFastDispatchHint struct{}

// TermIf evaluates a guest condition and runs one of two sub-terminals.
type TermIf struct {
	Cond Cond
	Then Terminal
	Else Terminal
}

// TermCheckBit dispatches on the state's check bit.
type TermCheckBit struct {
	Then Terminal
	Else Terminal
}

// TermCheckHalt yields to the dispatcher if a halt was requested, otherwise
// runs the sub-terminal.
type TermCheckHalt struct {
	Else Terminal
}

func (TermInterpret) isTerminal()        {}
func (TermReturnToDispatch) isTerminal() {}
func (TermLinkBlock) isTerminal()        {}
func (TermLinkBlockFast) isTerminal()    {}
func (TermPopRSBHint) isTerminal()       {}
func (TermFastDispatchHint) isTerminal() {}
func (TermIf) isTerminal()               {}
func (TermCheckBit) isTerminal()         {}
func (TermCheckHalt) isTerminal()        {}
