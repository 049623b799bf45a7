package bringup

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tegra-hv/hbii/internal/debuglog"
	"github.com/tegra-hv/hbii/internal/stage2"
)

// commandExecutor implements debuglog.CommandHandler for the host debug
// client's interactive command protocol (spec §6.3): `rcm`, `proc list`,
// `ttbr <pid|name>`, and `help`/`?`.
type commandExecutor struct {
	pager *stage2.Pager

	mu   sync.Mutex
	proc map[uint64]string

	resetAndHalt func(string)
}

func newCommandExecutor(pager *stage2.Pager, resetAndHalt func(string)) *commandExecutor {
	return &commandExecutor{pager: pager, proc: make(map[uint64]string), resetAndHalt: resetAndHalt}
}

func (c *commandExecutor) registerProcess(pid uint64, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proc[pid] = name
}

func (c *commandExecutor) unregisterProcess(pid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.proc, pid)
}

const helpText = "commands: rcm, proc list, ttbr <pid|name>, help"

// Execute implements debuglog.CommandHandler.
func (c *commandExecutor) Execute(line string) string {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return helpText
	}

	switch fields[0] {
	case "rcm":
		if c.resetAndHalt == nil {
			return "rcm: no reset handler configured"
		}
		c.resetAndHalt("rcm: operator-initiated soft reset into recovery mode")
		return "rebooting into recovery mode"

	case "proc":
		if len(fields) == 2 && fields[1] == "list" {
			return c.procList()
		}
		return helpText

	case "ttbr":
		if len(fields) != 2 {
			return "usage: ttbr <pid|name>"
		}
		return c.ttbr(fields[1])

	case "help", "?":
		return helpText

	default:
		return fmt.Sprintf("unknown command %q; %s", fields[0], helpText)
	}
}

func (c *commandExecutor) procList() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.proc) == 0 {
		return "no live processes"
	}
	pids := make([]uint64, 0, len(c.proc))
	for pid := range c.proc {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	var b strings.Builder
	b.WriteString(debuglog.StyleHeading("pid  name"))
	b.WriteByte('\n')
	for _, pid := range pids {
		fmt.Fprintf(&b, "%-4d %s\n", pid, c.proc[pid])
	}
	return b.String()
}

// resolvePID accepts either a decimal pid or a registered process name.
func (c *commandExecutor) resolvePID(arg string) (uint64, bool) {
	if pid, err := strconv.ParseUint(arg, 10, 64); err == nil {
		c.mu.Lock()
		_, ok := c.proc[pid]
		c.mu.Unlock()
		if ok {
			return pid, true
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for pid, name := range c.proc {
		if name == arg {
			return pid, true
		}
	}
	return 0, false
}

// ttbr walks the stage-2 translation tree and reports it for the named
// process. The hypervisor maintains a single stage-2 tree shared by every
// guest process (spec §3.1); the pid/name argument only selects which
// live process's existence is being confirmed before the shared tree is
// dumped.
func (c *commandExecutor) ttbr(arg string) string {
	pid, ok := c.resolvePID(arg)
	if !ok {
		return fmt.Sprintf("ttbr: no such process %q", arg)
	}
	lines := c.pager.DumpTree()
	var b strings.Builder
	fmt.Fprintf(&b, "%s (pid %d)\n", debuglog.StyleHeading("stage-2 tree"), pid)
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}
