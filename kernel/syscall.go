package kernel

import (
	"errors"
	"fmt"

	"github.com/joshuapare/hubkernel/kernel/evtq"
	"github.com/joshuapare/hubkernel/kernel/systable"
)

// Syscall code layout: domain, family, subfamily, function.
const (
	SysDomainOS = 0

	SysFamilyEvents = 0
	SysFamilyTimers = 1

	SysEvtSubscribe   = 0 // args: evt
	SysEvtUnsubscribe = 1 // args: evt
	SysEvtEnqueue     = 2 // args: evt, value

	SysTimSet    = 0 // args: length lo, length hi, jitter, drift, one-shot, cookie
	SysTimCancel = 1 // args: id
	SysTimNow    = 2
)

const syscallDomains = 4

// ErrSyscallTable indicates a syscall that could not be placed in the
// dispatch trie.
var ErrSyscallTable = errors.New("kernel: cannot register syscall")

func newSyscalls(k *Kernel) (*systable.Trie, error) {
	trie, err := systable.New(systable.DefaultWidths())
	if err != nil {
		return nil, err
	}
	families := map[uint32][]systable.Handler{
		SysFamilyEvents: {
			SysEvtSubscribe:   k.sysSubscribe,
			SysEvtUnsubscribe: k.sysUnsubscribe,
			SysEvtEnqueue:     k.sysEnqueue,
		},
		SysFamilyTimers: {
			SysTimSet:    k.sysTimerSet,
			SysTimCancel: k.sysTimerCancel,
			SysTimNow:    k.sysTimerNow,
		},
	}
	if err := registerFamilies(trie, 2, families); err != nil {
		return nil, err
	}
	return trie, nil
}

// registerFamilies builds the OS domain with room for n families and
// installs each family's handlers at function indices 0..len-1.
func registerFamilies(trie *systable.Trie, n int, families map[uint32][]systable.Handler) error {
	if !trie.AddTable(0, 0, systable.NewTable(syscallDomains)) {
		return fmt.Errorf("%w: root table", ErrSyscallTable)
	}
	osPath, err := trie.Path(SysDomainOS)
	if err != nil {
		return err
	}
	if !trie.AddTable(osPath, 1, systable.NewTable(n)) {
		return fmt.Errorf("%w: os domain", ErrSyscallTable)
	}

	for fam, fns := range families {
		famPath, err := trie.Path(SysDomainOS, fam, 0)
		if err != nil {
			return err
		}
		if !trie.AddTable(famPath, 2, systable.NewTable(1)) ||
			!trie.AddTable(famPath, 3, systable.NewTable(len(fns))) {
			return fmt.Errorf("%w: family %d", ErrSyscallTable, fam)
		}
		for fn, h := range fns {
			code, err := trie.Path(SysDomainOS, fam, 0, uint32(fn))
			if err != nil {
				return err
			}
			if !trie.AddHandler(code, h) {
				return fmt.Errorf("%w: family %d function %d", ErrSyscallTable, fam, fn)
			}
		}
	}
	return nil
}

// SyscallCode returns the code of an OS-domain syscall.
func (k *Kernel) SyscallCode(family, fn uint32) (uint32, error) {
	return k.sys.Path(SysDomainOS, family, 0, fn)
}

// Syscalls exposes the trie so platform code can register further
// domains. Registration must finish before the loop starts.
func (k *Kernel) Syscalls() *systable.Trie { return k.sys }

// Syscall runs the handler for code on behalf of tid. It reports false
// when nothing handles code.
func (k *Kernel) Syscall(tid TaskID, code uint32, args ...uint32) (uint64, bool) {
	c := &systable.Call{Task: uint32(tid), Args: args}
	if !k.sys.Dispatch(code, c) {
		k.log.Debug("kernel: unknown syscall", "code", code, "tid", tid)
		return 0, false
	}
	return c.Ret, true
}

func boolRet(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (k *Kernel) sysSubscribe(c *systable.Call) {
	if len(c.Args) < 1 {
		return
	}
	c.Ret = boolRet(k.Subscribe(TaskID(c.Task), c.Args[0]))
}

func (k *Kernel) sysUnsubscribe(c *systable.Call) {
	if len(c.Args) < 1 {
		return
	}
	c.Ret = boolRet(k.Unsubscribe(TaskID(c.Task), c.Args[0]))
}

func (k *Kernel) sysEnqueue(c *systable.Call) {
	if len(c.Args) < 2 {
		return
	}
	c.Ret = boolRet(k.Enqueue(c.Args[0], c.Args[1], evtq.NoFree()))
}

func (k *Kernel) sysTimerSet(c *systable.Call) {
	if len(c.Args) < 6 {
		return
	}
	length := uint64(c.Args[0]) | uint64(c.Args[1])<<32
	c.Ret = uint64(k.SetTimer(TaskID(c.Task), length, c.Args[2], c.Args[3], c.Args[4] != 0, c.Args[5]))
}

func (k *Kernel) sysTimerCancel(c *systable.Call) {
	if len(c.Args) < 1 {
		return
	}
	c.Ret = boolRet(k.CancelTimer(c.Args[0]))
}

func (k *Kernel) sysTimerNow(c *systable.Call) {
	c.Ret = k.Now()
}
