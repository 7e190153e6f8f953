package driver

// Reg is the unified register enumeration every backend's marshaller
// translates to its own context layout (spec.md §4.7). Not every backend
// supports every value; unsupported registers fail with ierr.Unsupported
// rather than returning a bogus zero.
type Reg int

const (
	RegInvalid Reg = iota

	// General purpose registers. R8..R15 only exist on 64-bit guests;
	// 32-bit guests expose EAX..EDI via the low 32 bits of the same
	// enum values.
	RegRAX
	RegRBX
	RegRCX
	RegRDX
	RegRSI
	RegRDI
	RegRSP
	RegRBP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15

	RegRIP
	RegRFLAGS

	// Control registers.
	RegCR0
	RegCR2
	RegCR3
	RegCR4

	// Debug registers.
	RegDR0
	RegDR1
	RegDR2
	RegDR3
	RegDR6
	RegDR7

	// Segment registers: selector, base, limit, access-rights byte,
	// for each of the six segment registers plus task/LDT.
	RegCSSel
	RegCSBase
	RegCSLimit
	RegCSAttr
	RegDSSel
	RegDSBase
	RegDSLimit
	RegDSAttr
	RegESSel
	RegESBase
	RegESLimit
	RegESAttr
	RegFSSel
	RegFSBase
	RegFSLimit
	RegFSAttr
	RegGSSel
	RegGSBase
	RegGSLimit
	RegGSAttr
	RegSSSel
	RegSSBase
	RegSSLimit
	RegSSAttr
	RegTRSel
	RegTRBase
	RegTRLimit
	RegTRAttr
	RegLDTSel
	RegLDTBase
	RegLDTLimit
	RegLDTAttr

	RegIDTBase
	RegIDTLimit
	RegGDTBase
	RegGDTLimit

	RegSysenterCS
	RegSysenterESP
	RegSysenterEIP

	RegShadowGS

	RegMSRFlags
	RegMSRLSTAR
	RegMSRCSTAR
	RegMSRSyscallMask
	RegMSREFER
	RegMSRTSCAux

	RegTSC

	regSentinel // not a real register; marks the end of the enum
)

var regNames = map[Reg]string{
	RegRAX: "rax", RegRBX: "rbx", RegRCX: "rcx", RegRDX: "rdx",
	RegRSI: "rsi", RegRDI: "rdi", RegRSP: "rsp", RegRBP: "rbp",
	RegR8: "r8", RegR9: "r9", RegR10: "r10", RegR11: "r11",
	RegR12: "r12", RegR13: "r13", RegR14: "r14", RegR15: "r15",
	RegRIP: "rip", RegRFLAGS: "rflags",
	RegCR0: "cr0", RegCR2: "cr2", RegCR3: "cr3", RegCR4: "cr4",
	RegDR0: "dr0", RegDR1: "dr1", RegDR2: "dr2", RegDR3: "dr3",
	RegDR6: "dr6", RegDR7: "dr7",
	RegCSSel: "cs_sel", RegCSBase: "cs_base", RegCSLimit: "cs_limit", RegCSAttr: "cs_attr",
	RegDSSel: "ds_sel", RegDSBase: "ds_base", RegDSLimit: "ds_limit", RegDSAttr: "ds_attr",
	RegESSel: "es_sel", RegESBase: "es_base", RegESLimit: "es_limit", RegESAttr: "es_attr",
	RegFSSel: "fs_sel", RegFSBase: "fs_base", RegFSLimit: "fs_limit", RegFSAttr: "fs_attr",
	RegGSSel: "gs_sel", RegGSBase: "gs_base", RegGSLimit: "gs_limit", RegGSAttr: "gs_attr",
	RegSSSel: "ss_sel", RegSSBase: "ss_base", RegSSLimit: "ss_limit", RegSSAttr: "ss_attr",
	RegTRSel: "tr_sel", RegTRBase: "tr_base", RegTRLimit: "tr_limit", RegTRAttr: "tr_attr",
	RegLDTSel: "ldt_sel", RegLDTBase: "ldt_base", RegLDTLimit: "ldt_limit", RegLDTAttr: "ldt_attr",
	RegIDTBase: "idt_base", RegIDTLimit: "idt_limit",
	RegGDTBase: "gdt_base", RegGDTLimit: "gdt_limit",
	RegSysenterCS: "sysenter_cs", RegSysenterESP: "sysenter_esp", RegSysenterEIP: "sysenter_eip",
	RegShadowGS: "shadow_gs",
	RegMSRFlags: "msr_flags", RegMSRLSTAR: "msr_lstar", RegMSRCSTAR: "msr_cstar",
	RegMSRSyscallMask: "msr_syscall_mask", RegMSREFER: "msr_efer", RegMSRTSCAux: "msr_tsc_aux",
	RegTSC: "tsc",
}

func (r Reg) String() string {
	if s, ok := regNames[r]; ok {
		return s
	}
	return "invalid"
}

// Valid reports whether r is a real enum member (excludes RegInvalid and
// the end-of-enum sentinel).
func (r Reg) Valid() bool {
	return r > RegInvalid && r < regSentinel
}
