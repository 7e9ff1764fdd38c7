package backend

// x86-64 encoding constants. Only the opcodes the emitter actually generates
// are listed here.
const (
	X86_REX      = 0x40
	X86_REX_W    = 0x48
	X86_REX_R    = 0x44
	X86_REX_X    = 0x42
	X86_REX_B    = 0x41
	X86_PREFIX16 = 0x66

	X86_OP_MOV_RM_REG8 = 0x88 // MOV r/m8, r8
	X86_OP_MOV_RM_REG  = 0x89 // MOV r/m, r
	X86_OP_MOV_REG_RM8 = 0x8A // MOV r8, r/m8
	X86_OP_MOV_REG_RM  = 0x8B // MOV r, r/m
	X86_OP_MOV_REG_IMM = 0xB8 // MOV r, imm (+r)
	X86_OP_MOV_RM_IMM8 = 0xC6 // MOV r/m8, imm8 (/0)
	X86_OP_MOV_RM_IMM  = 0xC7 // MOV r/m, imm32 (/0)
	X86_OP_MOVZX_RM8   = 0xB6 // 0F B6: MOVZX r, r/m8
	X86_OP_MOVZX_RM16  = 0xB7 // 0F B7: MOVZX r, r/m16
	X86_OP_LEA         = 0x8D

	X86_OP_ADD_RM_REG  = 0x01
	X86_OP_OR_RM_REG   = 0x09
	X86_OP_AND_RM_REG  = 0x21
	X86_OP_SUB_RM_REG  = 0x29
	X86_OP_SUB_REG_RM  = 0x2B
	X86_OP_XOR_RM_REG  = 0x31
	X86_OP_CMP_RM_REG  = 0x39
	X86_OP_CMP_REG_RM  = 0x3B
	X86_OP_TEST_RM_REG = 0x85

	X86_OP_GRP1_RM_IMM8s8 = 0x80 // group1 r/m8, imm8
	X86_OP_GRP1_RM_IMM32  = 0x81 // group1 r/m, imm32
	X86_OP_GRP1_RM_IMM8s  = 0x83 // group1 r/m, imm8 (sign-extended)
	X86_OP_GRP2_RM_IMM8   = 0xC1 // shift group r/m, imm8
	X86_OP_GRP3_RM        = 0xF7 // group3: TEST/NOT/NEG/MUL... (/0 = TEST imm32)
	X86_OP_GRP5_RM        = 0xFF // group5: CALL/JMP indirect

	// group1 /digit values
	X86_EXT_ADD = 0
	X86_EXT_OR  = 1
	X86_EXT_AND = 4
	X86_EXT_SUB = 5
	X86_EXT_XOR = 6
	X86_EXT_CMP = 7

	// group2 /digit values
	X86_EXT_SHL = 4
	X86_EXT_SHR = 5
	X86_EXT_SAR = 7

	// group5 /digit values
	X86_EXT_CALL = 2
	X86_EXT_JMP  = 4

	X86_OP_JMP_REL32  = 0xE9
	X86_OP_CALL_REL32 = 0xE8
	X86_OP_JCC_REL32  = 0x80 // 0F 80+cc
	X86_OP_RET        = 0xC3
	X86_OP_NOP        = 0x90
	X86_OP_INT3       = 0xCC
	X86_OP_2BYTE      = 0x0F
	X86_OP_UD2        = 0x0B // 0F 0B

	X86_MOD_INDIRECT = 0x00
	X86_MOD_DISP8    = 0x40
	X86_MOD_DISP32   = 0x80
	X86_MOD_REG      = 0xC0
)

// Condition codes as used in the low nibble of 0F 8x / 0F 9x.
type CondCode byte

const (
	CC_O  CondCode = 0x0
	CC_NO CondCode = 0x1
	CC_B  CondCode = 0x2
	CC_AE CondCode = 0x3
	CC_E  CondCode = 0x4
	CC_NE CondCode = 0x5
	CC_BE CondCode = 0x6
	CC_A  CondCode = 0x7
	CC_S  CondCode = 0x8
	CC_NS CondCode = 0x9
	CC_P  CondCode = 0xA
	CC_NP CondCode = 0xB
	CC_L  CondCode = 0xC
	CC_GE CondCode = 0xD
	CC_LE CondCode = 0xE
	CC_G  CondCode = 0xF
)

// HostReg names an x86-64 register. Values 0-15 are the GPRs in hardware
// encoding order; XMM0-15 follow.
type HostReg int

const (
	RAX HostReg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
)

var hostRegNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5", "xmm6", "xmm7",
}

func (r HostReg) String() string {
	if int(r) < len(hostRegNames) {
		return hostRegNames[r]
	}
	return "invalid"
}

// IsXmm reports whether r is an SSE register.
func (r HostReg) IsXmm() bool {
	return r >= XMM0
}

// bits returns the 3-bit hardware field; x86Index the 4-bit number including
// the REX extension bit.
func (r HostReg) bits() byte {
	return byte(r.x86Index() & 7)
}

func (r HostReg) extended() bool {
	return r.x86Index() >= 8
}

func (r HostReg) x86Index() int {
	if r.IsXmm() {
		return int(r - XMM0)
	}
	return int(r)
}

// Register conventions for generated code:
//
//	R15  state block pointer (never allocated)
//	R13  fastmem base pointer (never allocated)
//	RSP  host stack (never allocated)
//
// Everything else is the allocator's.
const (
	StateReg   = R15
	FastmemReg = R13
)

// System V AMD64 calling convention.
var (
	abiArgRegs    = []HostReg{RDI, RSI, RDX, RCX, R8, R9}
	abiReturnReg  = RAX
	abiCallerSave = []HostReg{RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11,
		XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7}
)
