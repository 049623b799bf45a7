// Package bringup is the cold-boot orchestration sequence: it parses the
// boot policy, patches the guest's SVC trampolines (spec §6.1), builds
// the stage-2 tables, initializes the SMMU shadow pager, and wires every
// virtual subsystem into one internal/trap.Dispatcher. This is the Go
// analogue of the teacher's construction sequences that allocate a VM's
// devices in order and log each stage as it completes, generalized from
// "build a KVM VM" to "become the hypervisor."
package bringup

import (
	"fmt"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/tegra-hv/hbii/internal/config"
	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/executor"
	"github.com/tegra-hv/hbii/internal/gic"
	"github.com/tegra-hv/hbii/internal/hipc"
	"github.com/tegra-hv/hbii/internal/ipc"
	"github.com/tegra-hv/hbii/internal/mmio"
	"github.com/tegra-hv/hbii/internal/regs"
	"github.com/tegra-hv/hbii/internal/services"
	"github.com/tegra-hv/hbii/internal/smc"
	"github.com/tegra-hv/hbii/internal/smmu"
	"github.com/tegra-hv/hbii/internal/stage2"
	"github.com/tegra-hv/hbii/internal/svc"
	"github.com/tegra-hv/hbii/internal/sysreg"
	"github.com/tegra-hv/hbii/internal/trap"
	"github.com/tegra-hv/hbii/internal/trapctx"
)

// Reserved memory layout sizes (spec §6.4).
const (
	HeapSize          = 4 * 1024 * 1024
	KernelStagingSize = 256 * 1024 * 1024

	// Stage2PopulatedL1Slots bounds how many of stage2's 32 L1 slots get a
	// backing L2, matching original_source's vttbr_construct (i<=8).
	Stage2PopulatedL1Slots = 9
)

// StubAddr is the hypervisor's own warm-boot entry stub address,
// substituted into CpuOn/CpuSuspend's x2 (spec Scenario A). Fixed by
// where the cold-boot linker places the stub.
const StubAddr = 0x4000_0000

// §4.6 default device windows. The USB/GPIO ranges mirror
// internal/stage2's defaultUnmapWindows exactly: those are precisely the
// IPAs stage-2 leaves unmapped to force the trap-and-emulate path this
// router serves, so the router's policy table must recognize the same
// addresses stage-2 hides. GICD/GICC are forwarded to real hardware
// (grounded on original_source/src/arm/gic.rs's GICD_BASE/GICC_BASE),
// since the guest's own interrupt-controller access needs to reach the
// distributor/CPU-interface registers the GIC package itself doesn't
// shadow. padctlHardDropAddr is the one USB padctl register spec §4.6
// calls out as always dropped regardless of its window's policy.
const (
	usbDeviceControllerStart = 0x7000_9000
	usbDeviceControllerEnd   = 0x7000_A000
	usbPhyStart              = 0x7009_F000
	usbPhyEnd                = 0x700A_0000
	gpioApertureStart        = 0x6000_D000
	gpioApertureEnd          = 0x6000_E000
	gicdStart                = 0x5004_1000
	gicdEnd                  = 0x5004_2000
	giccStart                = 0x5004_2000
	giccEnd                  = 0x5004_3000

	padctlHardDropAddr = 0x7009_F004
)

// regsForwarder adapts a regs.Block to mmio.Forwarder, normalizing
// sub-word accesses to the containing 32-bit register the way the
// teacher's pl011Device.readRegister/writeRegister normalize narrower
// guest accesses onto its 32-bit register file.
type regsForwarder struct {
	block regs.Block
}

func (f regsForwarder) ReadMMIO(addr uintptr, sizeBits int) (uint64, error) {
	off := addr - f.block.Base()
	if sizeBits == 64 {
		return f.block.Read64(off &^ 0x7), nil
	}
	word := f.block.Read32(off &^ 0x3)
	switch sizeBits {
	case 8, 16:
		shift := uint(addr&0x3) * 8
		mask := uint64(1)<<uint(sizeBits) - 1
		return (uint64(word) >> shift) & mask, nil
	default:
		return uint64(word), nil
	}
}

func (f regsForwarder) WriteMMIO(addr uintptr, sizeBits int, val uint64) error {
	off := addr - f.block.Base()
	if sizeBits == 64 {
		f.block.Write64(off&^0x7, val)
		return nil
	}
	if sizeBits == 32 {
		f.block.Write32(off&^0x3, uint32(val))
		return nil
	}
	wordOff := off &^ 0x3
	shift := uint(addr&0x3) * 8
	mask := uint32(1)<<uint(sizeBits) - 1
	cur := f.block.Read32(wordOff)
	cur = (cur &^ (mask << shift)) | (uint32(val)&mask)<<shift
	f.block.Write32(wordOff, cur)
	return nil
}

// registerDefaultMMIOWindows installs the §4.6 policy table during cold
// boot: without this, every guest data abort falls through findWindow's
// nil case and Scenario E's hard-drop rule is never installed.
func registerDefaultMMIOWindows(r *mmio.Router) {
	r.AddWindow("usb-device-controller", usbDeviceControllerStart, usbDeviceControllerEnd, mmio.PolicyDrop, nil, nil)
	r.AddWindow("usb-phy", usbPhyStart, usbPhyEnd, mmio.PolicyDrop, nil, nil)
	r.AddWindow("gpio-aperture", gpioApertureStart, gpioApertureEnd, mmio.PolicyDrop, nil, nil)

	gicd := regsForwarder{block: regs.NewBlock(gicdStart, gicdEnd-gicdStart)}
	r.AddWindow("gicd", gicdStart, gicdEnd, mmio.PolicyForward, nil, gicd)
	gicc := regsForwarder{block: regs.NewBlock(giccStart, giccEnd-giccStart)}
	r.AddWindow("gicc", giccStart, giccEnd, mmio.PolicyForward, nil, gicc)

	r.AddHardDrop("usb-padctl-vbus", padctlHardDropAddr)
}

// Image holds the guest kernel payload staged at KernelStagingSize and
// the boot-policy blob embedded alongside it (spec §6.4: "Kernel image
// staging... populated from an embedded .bin blob at cold boot").
type Image struct {
	Kernel     []byte
	PolicyBlob []byte
}

// Options supplies the callbacks bringup needs from the caller's
// arch-specific bring-up stub: the per-core GIC register window, the
// real secure-monitor forwarder (nil if none backs this build), the
// one-shot guest-vector patch callback, the fatal-path reset/halt, the
// AHB arbitration toggle the SMMU shadow pager needs at Init/Sleep, and
// a monotonic nanosecond clock for SleepNs (spec §4.8).
type Options struct {
	GIC           gic.Hardware
	ForwardSMC    func(ctx *trapctx.Context)
	PatchVector   func(vbar uint64) error
	ResetAndHalt  func(message string)
	AHBArbDisable func(uint32)
	NowNS         func() uint64
	NumCores      int
}

// Hypervisor is the fully wired cold-boot result: every subsystem
// constructed and handed to a trap.Dispatcher, ready to receive
// EL1→EL2 traps from the caller's exception-vector stub.
type Hypervisor struct {
	Policy config.BootPolicy

	Pager    *stage2.Pager
	Shadow   *smmu.Shadow
	SMC      *smc.Handler
	SysRegs  *sysreg.Table
	MMIO     *mmio.Router
	GIC      *gic.Controller
	Executor *executor.Executor
	Table    *svc.DispatchTable
	Registry *ipc.Registry
	Services *services.Manager
	Dialer   *services.ServiceManagerDialer
	Log      *debuglog.Ring

	commands   *commandExecutor
	patches    []svc.TrampolinePatch
	router     *svcRouter
	dispatcher *trap.Dispatcher
}

// New runs the cold-boot construction sequence and returns the fully
// wired Hypervisor, logging each stage through the debug ring the way
// the teacher logs each device's construction while building a VM.
// progress is reported through schollz/progressbar/v3 the same way the
// teacher's benchmark harness reports long-running setup work.
func New(img Image, opts Options) (*Hypervisor, error) {
	numCores := opts.NumCores
	if numCores < 1 {
		numCores = 1
	}
	log := debuglog.NewRing(numCores)
	root := log.Source(0).WithTag("bringup")

	bar := progressbar.Default(6)
	defer bar.Close()

	policy, err := config.Parse(img.PolicyBlob)
	if err != nil {
		return nil, fmt.Errorf("bringup: boot policy: %w", err)
	}
	root.Writef("boot policy parsed: force_debug_mode=%v overclock_hz=%d", policy.ForceDebugModeEnabled(), policy.OverclockTargetHz())
	if policy.LogVerbosity != "" {
		log.SetVerbosityFilter(strings.Split(policy.LogVerbosity, ",")...)
	}
	bar.Add(1)

	patches, err := svc.ScanAndPatchTrampolines(img.Kernel)
	if err != nil {
		return nil, fmt.Errorf("bringup: svc trampoline scan: %w", err)
	}
	root.Writef("patched %d svc trampolines", len(patches))
	bar.Add(1)

	pager := stage2.New()
	if err := pager.Construct(Stage2PopulatedL1Slots); err != nil {
		return nil, fmt.Errorf("bringup: stage2 construct: %w", err)
	}
	root.Writef("stage2 tables constructed: %d l1 slots", Stage2PopulatedL1Slots)
	bar.Add(1)

	shadow := smmu.New(log.Source(0))
	if opts.AHBArbDisable != nil {
		shadow.Init(opts.AHBArbDisable, 0, 0)
	}
	for _, asid := range policy.OneShotBufferNoticeASIDs {
		shadow.RegisterOneShotASID(uint8(asid), fmt.Sprintf("policy-asid-%d", asid))
	}
	root.Writef("smmu shadow pager initialized")
	bar.Add(1)

	var gicCtl *gic.Controller
	var gicForDispatch trap.GICController = noopGIC{}
	if opts.GIC != nil {
		gicCtl = gic.New(opts.GIC, log.Source(0))
		gicForDispatch = gicCtl
	}

	smcH := smc.New(shadow, log.Source(0), StubAddr, opts.ForwardSMC)
	smcH.ApplyPolicy(policy)
	sysregs := sysreg.New(log.Source(0))
	mmioR := mmio.New(log.Source(0))
	registerDefaultMMIOWindows(mmioR)
	root.Writef("virtual smc/sysreg/mmio handlers constructed")
	bar.Add(1)

	registry := ipc.New()
	svcMgr := services.NewManager()
	svcMgr.SetPolicy(policy)
	dialer := services.NewServiceManagerDialer(svcMgr, log.Source(0))
	table := svc.NewDispatchTable()
	exec := executor.New()

	nowNS := opts.NowNS
	if nowNS == nil {
		nowNS = func() uint64 { return 0 }
	}
	router := &svcRouter{exec: exec, table: table, nowNS: nowNS}

	h := &Hypervisor{
		Policy:   policy,
		Pager:    pager,
		Shadow:   shadow,
		SMC:      smcH,
		SysRegs:  sysregs,
		MMIO:     mmioR,
		GIC:      gicCtl,
		Executor: exec,
		Table:    table,
		Registry: registry,
		Services: svcMgr,
		Dialer:   dialer,
		Log:      log,
		commands: newCommandExecutor(pager, opts.ResetAndHalt),
		patches:  patches,
		router:   router,
	}

	h.dispatcher = trap.New(sysregs, smcH, mmioR, h.router, gicForDispatch, root, opts.PatchVector, opts.ResetAndHalt)
	root.Writef("trap dispatcher wired")
	bar.Add(1)

	return h, nil
}

// Dispatcher returns the wired trap.Dispatcher the caller's exception
// vector stub hands every EL1→EL2 trap to.
func (h *Hypervisor) Dispatcher() *trap.Dispatcher { return h.dispatcher }

// Patches reports the trampoline patches applied during cold boot.
func (h *Hypervisor) Patches() []svc.TrampolinePatch { return h.patches }

// DialService resolves a service-manager GetService reply: if the
// resolved name has a bundled handler, it is hooked onto the new
// session handle (spec §4.9 hook_first_handle).
func (h *Hypervisor) DialService(pid uint64, parentHandle uint32, serviceName string, newHandle uint32) {
	sc := &services.SessionContext{Registry: h.Registry, PID: pid, Handle: parentHandle, Log: h.Log.Source(0)}
	h.Dialer.ObserveReply(sc, serviceName, newHandle)
}

// DispatchHIPC parses and dispatches one HIPC message on (pid, handle).
func (h *Hypervisor) DispatchHIPC(xlate hipc.Translator, tlsAddr uint64, pid uint64, handle uint32) error {
	return services.Dispatch(h.Registry, xlate, tlsAddr, pid, handle, h.Log.Source(0))
}

// RegisterProcess records a live guest process id/name pair for the
// `proc list` debug command (spec §6.3). UnregisterProcess also purges
// the process's ipc.Registry entries, matching the process-exit purge
// invariant (spec §3.5).
func (h *Hypervisor) RegisterProcess(pid uint64, name string) {
	h.commands.registerProcess(pid, name)
}

// UnregisterProcess removes pid from the process table and purges its
// handle/domain-object entries. Any SvcTask still live for one of this
// process's threads is not removed here: the executor drops an SvcTask
// only when it completes or when AbandonSvcTask is called with its key.
func (h *Hypervisor) UnregisterProcess(pid uint64) {
	h.commands.unregisterProcess(pid)
	h.Registry.PurgeProcess(pid)
}

// Commands returns the debuglog.CommandHandler implementation wired to
// this Hypervisor's stage-2 pager and process table, for
// debuglog.NewChannel's command dispatch (spec §6.3).
func (h *Hypervisor) Commands() debuglog.CommandHandler { return h.commands }
