package heal

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joshuapare/membrane/membrane/validate"
)

// Action is the closed set of corrective operations.
type Action uint8

const (
	// None means the operation was valid and proceeds untouched.
	None Action = iota
	// ClampSize shrinks a write length to the record's remaining bytes.
	ClampSize
	// TruncateRead shrinks a read length to the record's remaining bytes.
	// Reads get their own action so the two policies can diverge.
	TruncateRead
	// RejectCall refuses the operation with a deterministic errno.
	RejectCall
)

func (a Action) String() string {
	switch a {
	case None:
		return "none"
	case ClampSize:
		return "clamp_size"
	case TruncateRead:
		return "truncate_read"
	case RejectCall:
		return "reject_call"
	default:
		return "unknown"
	}
}

// Heal reports whether the action altered the call.
func (a Action) Heal() bool { return a != None }

// Context carries the call-site facts an audit entry needs. All fields
// are plain values so recording never allocates.
type Context struct {
	Symbol     string
	Addr       uintptr
	RequestLen uint64
	// Remaining is the usable bytes from Addr per the validator. Zero
	// means clamping has nothing to clamp to.
	Remaining uint64
	Op        validate.Op
}

// Outcome is what the controller applies in place of the original call.
type Outcome struct {
	Action Action
	// Errno is set for RejectCall.
	Errno unix.Errno
	// AppliedLen is the substituted length for ClampSize/TruncateRead.
	AppliedLen uint64
}

// Entry is one audit record.
type Entry struct {
	Verdict    validate.Verdict
	Action     Action
	Timestamp  int64 // unix nanoseconds
	Symbol     string
	Addr       uintptr
	RequestLen uint64
	AppliedLen uint64
	Errno      unix.Errno
}

const defaultRingSize = 4096

// Engine maps verdicts to actions and keeps the audit trail.
type Engine struct {
	mu   sync.Mutex
	ring []Entry
	next uint64 // total entries ever appended; ring index is next % len

	totalHeals  atomic.Uint64
	sizeClamps  atomic.Uint64
	readTruncs  atomic.Uint64
	rejections  atomic.Uint64
	overwritten atomic.Uint64

	now func() int64
}

// NewEngine creates an engine with a preallocated audit ring. A
// non-positive capacity takes the default.
func NewEngine(capacity int) *Engine {
	if capacity <= 0 {
		capacity = defaultRingSize
	}
	return &Engine{
		ring: make([]Entry, capacity),
		now:  func() int64 { return time.Now().UnixNano() },
	}
}

// Record maps one verdict to its corrective action, appends the audit
// entry, and returns the outcome to apply. The mapping is total; any
// verdict it does not recognize rejects the call.
func (e *Engine) Record(verdict validate.Verdict, ctx Context) Outcome {
	out := e.plan(verdict, ctx)
	if out.Action == None {
		return out
	}

	e.totalHeals.Add(1)
	switch out.Action {
	case ClampSize:
		e.sizeClamps.Add(1)
	case TruncateRead:
		e.readTruncs.Add(1)
	case RejectCall:
		e.rejections.Add(1)
	}

	e.append(Entry{
		Verdict:    verdict,
		Action:     out.Action,
		Timestamp:  e.now(),
		Symbol:     ctx.Symbol,
		Addr:       ctx.Addr,
		RequestLen: ctx.RequestLen,
		AppliedLen: out.AppliedLen,
		Errno:      out.Errno,
	})
	return out
}

func (e *Engine) plan(verdict validate.Verdict, ctx Context) Outcome {
	switch verdict {
	case validate.Valid:
		return Outcome{Action: None}
	case validate.OutOfBounds:
		if ctx.Remaining == 0 {
			// Nothing safe to clamp to.
			return Outcome{Action: RejectCall, Errno: unix.EFAULT}
		}
		if ctx.Op == validate.OpRead {
			return Outcome{Action: TruncateRead, AppliedLen: ctx.Remaining}
		}
		return Outcome{Action: ClampSize, AppliedLen: ctx.Remaining}
	case validate.UseAfterFree, validate.ForeignPointer:
		return Outcome{Action: RejectCall, Errno: unix.EFAULT}
	case validate.DoubleFree, validate.SizeMismatch:
		return Outcome{Action: RejectCall, Errno: unix.EINVAL}
	default:
		return Outcome{Action: RejectCall, Errno: unix.EFAULT}
	}
}

func (e *Engine) append(entry Entry) {
	e.mu.Lock()
	if e.next >= uint64(len(e.ring)) {
		e.overwritten.Add(1)
	}
	e.ring[e.next%uint64(len(e.ring))] = entry
	e.next++
	e.mu.Unlock()
}

// Drain copies out the audit trail in append order, oldest first, and
// resets the ring. Entries overwritten before a drain are lost; the
// Overwritten counter accounts for them.
func (e *Engine) Drain() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.next
	cap64 := uint64(len(e.ring))
	count := n
	if count > cap64 {
		count = cap64
	}
	out := make([]Entry, 0, count)
	for i := n - count; i < n; i++ {
		out = append(out, e.ring[i%cap64])
	}
	e.next = 0
	return out
}

// TotalHeals is the number of altering actions applied since creation.
func (e *Engine) TotalHeals() uint64 { return e.totalHeals.Load() }

// Rejections is the number of RejectCall actions applied.
func (e *Engine) Rejections() uint64 { return e.rejections.Load() }

// Overwritten is the number of audit entries lost to ring wraparound.
func (e *Engine) Overwritten() uint64 { return e.overwritten.Load() }
