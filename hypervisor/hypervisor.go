// Package hypervisor orchestrates a late-launch into VMX root mode: it
// wires together the page-table builder, the MTRR reader, the EPT
// builder, and the VMX launch engine behind the single entry point an
// external platform loader calls once per logical CPU.
package hypervisor

import (
	"fmt"
	"unsafe"

	"github.com/bobuhiro11/vtxhv/context"
	"github.com/bobuhiro11/vtxhv/cpu"
	"github.com/bobuhiro11/vtxhv/ept"
	"github.com/bobuhiro11/vtxhv/mtrr"
	"github.com/bobuhiro11/vtxhv/pagetable"
	"github.com/bobuhiro11/vtxhv/platform"
	"github.com/bobuhiro11/vtxhv/vmx"
)

const (
	msrGSBase = 0xc0000101
	msrFSBase = 0xc0000100

	cr4VMXE = 1 << 13

	// Access-rights values for a present, long-mode DPL-0 code segment,
	// a present flat data segment, and a busy 64-bit TSS, in the VMX
	// segment-access-rights encoding (type|s|dpl|p|avl|l|db|g).
	codeSegmentAccessRights = 0xa09b
	dataSegmentAccessRights = 0xc093
	tssAccessRights         = 0x8b
	unusableAccessRights    = 1 << 16

	pageSize = 0x1000

	intermediateGDTMaxBytes = 0x1000

	// eptPoolCapacity bounds how many 2 MiB EPD entries Protect may
	// demote into a small-page table. Demotion follows the module pages'
	// physical addresses, which need not be contiguous, so a module whose
	// pages fall in more distinct 2 MiB physical regions than this fails
	// with ErrEPTPoolExhausted.
	eptPoolCapacity = 1024
)

// shared holds everything CPU 0's one-time setup builds and every
// subsequent CPU only reads; the concurrency model relies on CPU 0
// finishing this before any other CPU's launch begins, so nothing here
// needs a lock.
type shared struct {
	hostTable  *pagetable.Host
	moduleMap  *pagetable.ModuleMap
	moduleBase uint64
	moduleSize int

	mtrrs *mtrr.Table
	ept   *ept.Table

	msrs    *vmx.MSRCache
	hostCR0 uint64
	hostCR4 uint64

	eptPointer uint64

	msrBitmap     *vmx.MSRBitmap
	msrBitmapPhys uint64

	// osIDTBase/osIDTLimit is the interrupted OS's own IDTR, captured
	// once on CPU 0. The guest keeps running under it after the launch
	// (FieldGuestIDTRBase/Lim) exactly as the original does; the host
	// never uses it; see perCPU.idt for the module-resident host IDT.
	osIDTBase  uint64
	osIDTLimit uint16
}

// perCPU holds the state only its owning CPU ever writes: its VMXON and
// VMCS regions, its intermediate GDT (a snapshot of the OS GDT), its
// freshly built host GDT and TSS, and the VPID it launched with.
type perCPU struct {
	vmxRegion      *vmx.Region
	vmxRegionPhys  uint64
	vmcsRegion     *vmx.Region
	vmcsRegionPhys uint64

	intermediateGDT     []byte
	intermediateGDTBase uint64
	intermediateGDTLim  uint16

	tss vmx.TaskStateSegment
	gdt vmx.HostGDT
	cs  uint16
	tr  uint16

	// idt is the per-CPU, module-resident host IDT (spec.md §3: the
	// host IDT must reside inside the module region and therefore
	// become guest-inaccessible). The host never takes an interrupt
	// while it owns the CPU, so every gate descriptor stays absent.
	idt vmx.HostIDT

	// fsData/gsData are the per-CPU, module-resident pages host FS/GS
	// base point at, so that host FS/GS addressing never resolves into
	// guest-accessible (OS) memory, per the same §3 invariant.
	fsData [pageSize]byte
	gsData [pageSize]byte

	vpid uint16
}

// Engine is the process-wide, lazily-built hypervisor singleton: shared
// state is created idempotently on CPU 0's call and never torn down,
// the way a late-launch module is never unloaded cleanly.
type Engine struct {
	shared   *shared
	nextVPID uint16
	perCPU   map[int]*perCPU
	osView   pagetable.Translator
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithOSView overrides the translator CPU 0's one-time setup uses to
// walk the interrupted OS's own page table, instead of the real
// CR3-rooted pagetable.OSView. Production callers never need this; it
// exists so tests can substitute a translator that does not require a
// real, fully-populated OS page table in memory.
func WithOSView(v pagetable.Translator) Option {
	return func(e *Engine) { e.osView = v }
}

// NewEngine returns an Engine with no shared state yet built; the first
// call to LaunchOnCPU (for cpuID 0) builds it.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{nextVPID: 1, perCPU: map[int]*perCPU{}}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// VPIDFor reports the virtual-processor ID a prior successful
// LaunchOnCPU call assigned to cpuID.
func (e *Engine) VPIDFor(cpuID int) (uint16, bool) {
	pc, ok := e.perCPU[cpuID]
	if !ok {
		return 0, false
	}

	return pc.vpid, true
}

// VMCSPhysicalFor reports the physical address of the VMCS region a
// prior successful LaunchOnCPU call built for cpuID.
func (e *Engine) VMCSPhysicalFor(cpuID int) (uint64, bool) {
	pc, ok := e.perCPU[cpuID]
	if !ok {
		return 0, false
	}

	return pc.vmcsRegionPhys, true
}

// LaunchOnCPU implements the core's single entry point for logical CPU
// cpuID, pinned there by the caller. ctx is the caller's own captured
// register state. On a successful launch this returns nil, having
// restored ctx to resume as the guest with rax = 0 via the
// checkpoint-and-branch idiom in vmx.Launch. On failure, every register
// this function touched is unwound via the deferred-action stack and
// the returned error's stable code (see CodeOf) is the value the real
// ABI would place in rax.
func (e *Engine) LaunchOnCPU(ops cpu.Ops, loader platform.Loader, cpuID int, moduleBase uint64, moduleSize int, ctx *context.Context) (err error) {
	if cpuID == 0 && e.shared == nil {
		s, buildErr := e.buildShared(ops, loader, moduleBase, moduleSize)
		if buildErr != nil {
			return buildErr
		}

		e.shared = s
	}

	if e.shared == nil {
		return fmt.Errorf("hypervisor: cpu %d launched before cpu 0's one-time setup", cpuID)
	}

	pc := &perCPU{
		vmxRegion:  &vmx.Region{RevisionID: e.shared.msrs.RevisionID()},
		vmcsRegion: &vmx.Region{RevisionID: e.shared.msrs.RevisionID()},
	}

	if err = e.shared.hostTable.MapFrom(uint64(ptrOf(pc.vmxRegion)), int(unsafe.Sizeof(*pc.vmxRegion)), pagetable.Read|pagetable.Write, identityPhysical{}); err != nil {
		return fmt.Errorf("hypervisor: map vmx region: %w", err)
	}

	pc.vmxRegionPhys, err = e.shared.hostTable.VirtualToPhysical(uint64(ptrOf(pc.vmxRegion)))
	if err != nil {
		return fmt.Errorf("hypervisor: translate vmx region: %w", err)
	}

	if err = e.shared.hostTable.MapFrom(uint64(ptrOf(pc.vmcsRegion)), int(unsafe.Sizeof(*pc.vmcsRegion)), pagetable.Read|pagetable.Write, identityPhysical{}); err != nil {
		return fmt.Errorf("hypervisor: map vmcs region: %w", err)
	}

	pc.vmcsRegionPhys, err = e.shared.hostTable.VirtualToPhysical(uint64(ptrOf(pc.vmcsRegion)))
	if err != nil {
		return fmt.Errorf("hypervisor: translate vmcs region: %w", err)
	}

	var g guard

	defer func() {
		if err != nil {
			g.unwind()
		}
	}()

	savedCR3, savedCR4 := ops.ReadCR3(), ops.ReadCR4()
	savedGDTBase, savedGDTLimit := ops.ReadGDTR()

	copyIntermediateGDT(pc, savedGDTBase, savedGDTLimit)

	ops.WriteGDTR(pc.intermediateGDTBase, pc.intermediateGDTLim)
	g.push(func() { ops.WriteGDTR(savedGDTBase, savedGDTLimit) })

	ops.WriteCR3(e.hostCR3(ops))
	g.push(func() { ops.WriteCR3(savedCR3) })

	ops.WriteCR4(ops.ReadCR4() | cr4VMXE)
	g.push(func() { ops.WriteCR4(savedCR4) })

	if err = ops.VMXOn(pc.vmxRegionPhys); err != nil {
		err = ErrVMXOnFailed
		return err
	}

	g.push(func() { _ = ops.VMXOff() })

	if err = ops.VMClear(pc.vmcsRegionPhys); err != nil {
		err = ErrVMClearFailed
		return err
	}

	if err = ops.VMPtrLd(pc.vmcsRegionPhys); err != nil {
		err = ErrVMPtrLdFailed
		return err
	}

	pc.vpid = e.nextVPID
	e.nextVPID++

	if err = e.populateVMCS(ops, pc, ctx); err != nil {
		return err
	}

	var resumed bool

	resumed, err = vmx.Launch(ops, ctx)
	if err != nil {
		return err
	}

	if resumed {
		e.dispatchExit(ops, ctx)
	}

	// The guest is live: VMX stays on and CR3/CR4/GDTR stay switched to
	// the host's for as long as this CPU keeps running it, so the guard
	// stack's job is done.
	g = guard{}
	e.perCPU[cpuID] = pc

	return nil
}

// dispatchExit handles one VM-exit landing back at ctx's checkpoint:
// interpret the exit, advance the guest past the exiting instruction,
// and resume. Per the failure semantics in the VM-exit dispatcher, a
// failure to read exit info here is not propagated as a launch error —
// the guest has already taken over the CPU.
func (e *Engine) dispatchExit(ops cpu.Ops, ctx *context.Context) {
	info, err := vmx.ReadExitInfo(ops)
	if err != nil {
		return
	}

	vmx.Dispatch(ops, ctx, info)

	instrLen := info.InstructionLength
	if instrLen == 0 && (info.Reason&0xffff) == vmx.ExitReasonEPTViolation {
		if decoded, err := vmx.DecodeInstructionLength(info.GuestRIP); err == nil {
			instrLen = decoded
		}
	}

	_ = vmx.Write(ops, vmx.FieldGuestRIP, info.GuestRIP+instrLen)

	if resumed, _ := vmx.Resume(ops, ctx); resumed {
		e.dispatchExit(ops, ctx)
	}
}

// hostCR3 returns the physical address of the host page table's PML4,
// the value every CPU switches CR3 to during its per-CPU setup and the
// value written into the VMCS host-state area.
func (e *Engine) hostCR3(ops cpu.Ops) uint64 {
	phys, err := e.shared.hostTable.VirtualToPhysical(uint64(ptrOf(&e.shared.hostTable.PML4)))
	if err != nil {
		return ops.ReadCR3()
	}

	return phys
}

// copyIntermediateGDT snapshots the OS GDT at (base, limit) into pc's
// own backing array and records the snapshot's address/limit in pc for
// the caller to load, so the per-CPU setup that follows never mutates the
// OS's live descriptor table while still running under descriptors that
// resolve identically.
func copyIntermediateGDT(pc *perCPU, base uint64, limit uint16) {
	size := int(limit) + 1
	if size > intermediateGDTMaxBytes {
		size = intermediateGDTMaxBytes
	}

	pc.intermediateGDT = make([]byte, size)
	copy(pc.intermediateGDT, bytesAt(uintptr(base), size))

	pc.intermediateGDTBase = uint64(ptrOf(&pc.intermediateGDT[0]))
	pc.intermediateGDTLim = uint16(size - 1)
}

// buildShared runs CPU 0's one-time initialisation: cache VMX MSRs,
// derive the fixed-adjusted host CR0/CR4, read the MTRRs, build the
// host page table and module physical-to-virtual map, build the EPT,
// and run the module protector. The module-map capacity check happens
// here, before any CPU-visible register is touched, so a too-large
// module fails without mutating any CPU state.
func (e *Engine) buildShared(ops cpu.Ops, loader platform.Loader, moduleBase uint64, moduleSize int) (*shared, error) {
	pages := (moduleSize + 0xfff) / 0x1000
	if pages > pagetable.DefaultModuleMapCapacity {
		return nil, ErrModuleTooLarge
	}

	msrs, err := vmx.ReadAll(ops)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: read vmx msrs: %w", err)
	}

	mtrrs, err := mtrr.Read(ops)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: read mtrrs: %w", err)
	}

	var osView pagetable.Translator = e.osView
	if osView == nil {
		osView = pagetable.NewOSView(ops.ReadCR3(), loader.PhysicalToVirtual)
	}

	hostTable := &pagetable.Host{}
	if err := hostTable.MapSelf(osView); err != nil {
		return nil, fmt.Errorf("hypervisor: map host table self: %w", err)
	}

	if err := hostTable.MapFrom(moduleBase, moduleSize, pagetable.Read|pagetable.Write|pagetable.Execute, osView); err != nil {
		return nil, fmt.Errorf("hypervisor: map module: %w", err)
	}

	moduleMap := pagetable.NewModuleMap(pagetable.DefaultModuleMapCapacity)

	for i := 0; i < moduleSize/0x1000; i++ {
		addr := moduleBase + uint64(i*0x1000)

		phys, err := hostTable.VirtualToPhysical(addr)
		if err != nil {
			return nil, fmt.Errorf("hypervisor: translate module page %d: %w", i, err)
		}

		if err := moduleMap.Insert(phys, addr); err != nil {
			return nil, ErrModuleTooLarge
		}
	}

	eptTable := ept.NewTable(eptPoolCapacity)

	eptFixedSize := int(unsafe.Sizeof(eptTable.EPML4) + unsafe.Sizeof(eptTable.EPDPT) + unsafe.Sizeof(eptTable.EPD))
	if err := hostTable.MapFrom(uint64(ptrOf(&eptTable.EPML4)), eptFixedSize, pagetable.Read|pagetable.Write, identityPhysical{}); err != nil {
		return nil, fmt.Errorf("hypervisor: map ept table: %w", err)
	}

	eptPoolSize := eptPoolCapacity * 512 * 8
	if err := hostTable.MapFrom(uint64(ptrOf(&eptTable.Pool[0])), eptPoolSize, pagetable.Read|pagetable.Write, identityPhysical{}); err != nil {
		return nil, fmt.Errorf("hypervisor: map ept pool: %w", err)
	}

	if err := eptTable.Build(hostTable, mtrrs); err != nil {
		return nil, fmt.Errorf("hypervisor: build ept: %w", err)
	}

	if err := eptTable.Protect(hostTable, moduleBase, moduleSize, moduleMap); err != nil {
		if err == ept.ErrOutOfEPTEntries {
			return nil, ErrEPTPoolExhausted
		}

		return nil, fmt.Errorf("hypervisor: protect module: %w", err)
	}

	eptml4Phys, err := hostTable.VirtualToPhysical(uint64(ptrOf(&eptTable.EPML4)))
	if err != nil {
		return nil, fmt.Errorf("hypervisor: translate eptml4: %w", err)
	}

	const (
		eptMemoryTypeWriteBack = uint64(mtrr.WriteBack)
		eptPageWalkLength4     = uint64(3) << 3 // VMX encodes (walk length - 1)
	)

	bitmap := &vmx.MSRBitmap{}

	if err := hostTable.MapFrom(uint64(ptrOf(bitmap)), len(bitmap), pagetable.Read|pagetable.Write, identityPhysical{}); err != nil {
		return nil, fmt.Errorf("hypervisor: map msr bitmap: %w", err)
	}

	bitmapPhys, err := hostTable.VirtualToPhysical(uint64(ptrOf(bitmap)))
	if err != nil {
		return nil, fmt.Errorf("hypervisor: translate msr bitmap: %w", err)
	}

	idtBase, idtLimit := ops.ReadIDTR()

	return &shared{
		hostTable:     hostTable,
		moduleMap:     moduleMap,
		moduleBase:    moduleBase,
		moduleSize:    moduleSize,
		mtrrs:         mtrrs,
		ept:           eptTable,
		msrs:          msrs,
		hostCR0:       msrs.FixCR0(ops.ReadCR0()),
		hostCR4:       msrs.FixCR4(ops.ReadCR4() | cr4VMXE),
		eptPointer:    (eptml4Phys &^ 0xfff) | eptPageWalkLength4 | eptMemoryTypeWriteBack,
		msrBitmap:     bitmap,
		msrBitmapPhys: bitmapPhys,
		osIDTBase:     idtBase,
		osIDTLimit:    idtLimit,
	}, nil
}

// populateVMCS writes every field the launch engine's VMCS population
// step names: the guest state resolved from the captured caller context
// against the intermediate GDT, the host state from this CPU's freshly
// built host GDT and TSS, and the execution/exit/entry controls
// adjusted against the cached VMX capability MSRs.
func (e *Engine) populateVMCS(ops cpu.Ops, pc *perCPU, ctx *context.Context) error {
	s := e.shared

	pc.cs, pc.tr = vmx.BuildHostGDT(&pc.gdt, &pc.tss, uint64(ptrOf(&pc.tss)))
	vmx.BuildHostIDT(&pc.idt)

	guestFSBase, err := ops.ReadMSR(msrFSBase)
	if err != nil {
		return fmt.Errorf("hypervisor: read fs base: %w", err)
	}

	guestGSBase, err := ops.ReadMSR(msrGSBase)
	if err != nil {
		return fmt.Errorf("hypervisor: read gs base: %w", err)
	}

	writes := []struct {
		field vmx.Field
		value uint64
	}{
		{vmx.FieldVMCSLinkPointer, 0xffffffffffffffff},
		{vmx.FieldVirtualProcessorID, uint64(pc.vpid)},
		{vmx.FieldEPTPointer, s.eptPointer},

		{vmx.FieldPinBasedControls, vmx.AdjustMSR(s.msrs.Get(vmx.MSRPinBased), 0)},
		{
			vmx.FieldProcBasedControls,
			vmx.AdjustMSR(s.msrs.Get(vmx.MSRProcBased), procBasedActivateSecondary|procBasedUseMSRBitmaps),
		},
		{
			vmx.FieldSecondaryProcControls,
			vmx.AdjustMSR(s.msrs.Get(vmx.MSRProcBased2),
				secondaryEnableEPT|secondaryEnableVPID|secondaryEnableRDTSCP|
					secondaryEnableInvPCID|secondaryEnableXSaves|secondaryModeBasedExecute),
		},
		{vmx.FieldExitControls, vmx.AdjustMSR(s.msrs.Get(vmx.MSRExitCtls), exitHostAddressSpaceSize)},
		{vmx.FieldEntryControls, vmx.AdjustMSR(s.msrs.Get(vmx.MSREntryCtls), entryIA32eModeGuest)},
		{vmx.FieldMSRBitmap, s.msrBitmapPhys},

		// Guest segments, resolved against the intermediate GDT: this
		// realization keeps the captured selectors and grants flat,
		// maximal-limit access rights rather than walking the
		// intermediate GDT's own descriptor bytes.
		{vmx.FieldGuestCS, uint64(ctx.CS)},
		{vmx.FieldGuestDS, uint64(ctx.DS)},
		{vmx.FieldGuestES, uint64(ctx.ES)},
		{vmx.FieldGuestFS, uint64(ctx.FS)},
		{vmx.FieldGuestGS, uint64(ctx.GS)},
		{vmx.FieldGuestSS, uint64(ctx.SS)},
		{vmx.FieldGuestTR, uint64(pc.tr)},
		{vmx.FieldGuestLDTR, 0},

		{vmx.FieldGuestCSLimit, 0xffffffff},
		{vmx.FieldGuestDSLimit, 0xffffffff},
		{vmx.FieldGuestESLimit, 0xffffffff},
		{vmx.FieldGuestFSLimit, 0xffffffff},
		{vmx.FieldGuestGSLimit, 0xffffffff},
		{vmx.FieldGuestSSLimit, 0xffffffff},
		{vmx.FieldGuestTRLimit, 103},
		{vmx.FieldGuestLDTRLimit, 0},

		{vmx.FieldGuestCSAccessRights, codeSegmentAccessRights},
		{vmx.FieldGuestDSAccessRights, dataSegmentAccessRights},
		{vmx.FieldGuestESAccessRights, dataSegmentAccessRights},
		{vmx.FieldGuestFSAccessRights, dataSegmentAccessRights},
		{vmx.FieldGuestGSAccessRights, dataSegmentAccessRights},
		{vmx.FieldGuestSSAccessRights, dataSegmentAccessRights},
		{vmx.FieldGuestTRAccessRights, tssAccessRights},
		{vmx.FieldGuestLDTRAccessRights, unusableAccessRights},

		{vmx.FieldGuestCSBase, 0},
		{vmx.FieldGuestDSBase, 0},
		{vmx.FieldGuestESBase, 0},
		{vmx.FieldGuestFSBase, guestFSBase},
		{vmx.FieldGuestGSBase, guestGSBase},
		{vmx.FieldGuestSSBase, 0},
		{vmx.FieldGuestTRBase, uint64(ptrOf(&pc.tss))},
		{vmx.FieldGuestLDTRBase, 0},

		{vmx.FieldGuestGDTRBase, pc.intermediateGDTBase},
		{vmx.FieldGuestGDTRLim, uint64(pc.intermediateGDTLim)},
		{vmx.FieldGuestIDTRBase, s.osIDTBase},
		{vmx.FieldGuestIDTRLim, uint64(s.osIDTLimit)},

		{vmx.FieldGuestCR0, ops.ReadCR0()},
		{vmx.FieldGuestCR3, ops.ReadCR3()},
		{vmx.FieldGuestCR4, ops.ReadCR4()},
		{vmx.FieldCR0ReadShadow, ops.ReadCR0()},
		{vmx.FieldCR4ReadShadow, ops.ReadCR4()},
		{vmx.FieldCR0GuestHostMask, 0},
		{vmx.FieldCR4GuestHostMask, 0},
		{vmx.FieldGuestDR7, 0x400},
		{vmx.FieldGuestIA32DebugCtl, 0},
		{vmx.FieldGuestRFlags, ctx.RFlags},

		// Host state: the freshly built host GDT/TSS, flat zero-based
		// data segments, and the already-adjusted host CR0/CR4.
		{vmx.FieldHostCS, uint64(pc.cs)},
		{vmx.FieldHostTR, uint64(pc.tr)},
		{vmx.FieldHostDS, 0},
		{vmx.FieldHostES, 0},
		{vmx.FieldHostFS, 0},
		{vmx.FieldHostGS, 0},
		{vmx.FieldHostSS, 0},
		{vmx.FieldHostFSBase, uint64(ptrOf(&pc.fsData[0]))},
		{vmx.FieldHostGSBase, uint64(ptrOf(&pc.gsData[0]))},
		{vmx.FieldHostTRBase, uint64(ptrOf(&pc.tss))},
		{vmx.FieldHostGDTRBase, uint64(ptrOf(&pc.gdt.Entries))},
		{vmx.FieldHostIDTRBase, uint64(ptrOf(&pc.idt.Entries))},
		{vmx.FieldHostCR0, s.hostCR0},
		{vmx.FieldHostCR3, e.hostCR3(ops)},
		{vmx.FieldHostCR4, s.hostCR4},
	}

	for _, w := range writes {
		if err := vmx.Write(ops, w.field, w.value); err != nil {
			return fmt.Errorf("hypervisor: populate vmcs: %w", err)
		}
	}

	return nil
}

// VMX control bits this engine requests, named individually so
// populateVMCS reads as the symbolic control list the launch engine
// describes rather than a single opaque mask.
const (
	procBasedActivateSecondary = 1 << 31
	procBasedUseMSRBitmaps     = 1 << 28

	secondaryEnableEPT        = 1 << 1
	secondaryEnableRDTSCP     = 1 << 3
	secondaryEnableVPID       = 1 << 5
	secondaryEnableInvPCID    = 1 << 12
	secondaryEnableXSaves     = 1 << 20
	secondaryModeBasedExecute = 1 << 22

	exitHostAddressSpaceSize = 1 << 9
	entryIA32eModeGuest      = 1 << 9
)
