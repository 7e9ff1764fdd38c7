package ir

// Cond is a guest condition code evaluated against the NZCV flags.
type Cond int

const (
	CondEQ Cond = iota // Z set
	CondNE             // Z clear
	CondCS             // C set
	CondCC             // C clear
	CondMI             // N set
	CondPL             // N clear
	CondVS             // V set
	CondVC             // V clear
	CondHI             // C set and Z clear
	CondLS             // C clear or Z set
	CondGE             // N == V
	CondLT             // N != V
	CondGT             // Z clear and N == V
	CondLE             // Z set or N != V
	CondAL             // always
	CondNV             // treated as always
)

var condNames = [...]string{
	"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc",
	"hi", "ls", "ge", "lt", "gt", "le", "al", "nv",
}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return "invalid"
}

// Passed reports whether the condition holds for the given NZCV flag word
// (flags in bits 31..28). Used by host-side evaluation and tests; generated
// code evaluates the same predicate inline.
func (c Cond) Passed(nzcv uint32) bool {
	n := nzcv&(1<<31) != 0
	z := nzcv&(1<<30) != 0
	cf := nzcv&(1<<29) != 0
	v := nzcv&(1<<28) != 0
	switch c {
	case CondEQ:
		return z
	case CondNE:
		return !z
	case CondCS:
		return cf
	case CondCC:
		return !cf
	case CondMI:
		return n
	case CondPL:
		return !n
	case CondVS:
		return v
	case CondVC:
		return !v
	case CondHI:
		return cf && !z
	case CondLS:
		return !cf || z
	case CondGE:
		return n == v
	case CondLT:
		return n != v
	case CondGT:
		return !z && n == v
	case CondLE:
		return z || n != v
	case CondAL, CondNV:
		return true
	}
	return false
}
