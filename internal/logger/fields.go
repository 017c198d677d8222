package logger

import (
	"log/slog"
)

// Standard field keys for structured logging across the resolution
// subsystem. Use these keys consistently so log lines aggregate cleanly
// across the control loop, the bridge, and the datapath harness.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// ========================================================================
	// Topology
	// ========================================================================
	KeyVRF    = "vrf"
	KeyIface  = "iface"
	KeyFamily = "family"
	KeyAddr   = "addr"
	KeyLLAddr = "lladdr"
	KeyPrefix = "prefix"

	// ========================================================================
	// Nexthop lifecycle
	// ========================================================================
	KeyNexthop     = "nexthop"
	KeyGeneration  = "generation"
	KeyState       = "state"
	KeyRefCount    = "ref_count"
	KeyHeldCount   = "held_count"
	KeyProbeCount  = "probe_count"
	KeySolicitKind = "solicit_kind"

	// ========================================================================
	// Bridge / handler
	// ========================================================================
	KeyHandlerName = "handler"
	KeyHandlerID   = "handler_id"
	KeyWorker      = "worker"
	KeyPending     = "pending"
	KeyDropped     = "dropped"

	// ========================================================================
	// Operator requests
	// ========================================================================
	KeyRequestID = "request_id"
	KeyOperation = "operation"

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
)

// ----------------------------------------------------------------------------
// Distributed Tracing
// ----------------------------------------------------------------------------

func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }
func SpanID(id string) slog.Attr  { return slog.String(KeySpanID, id) }

// ----------------------------------------------------------------------------
// Topology
// ----------------------------------------------------------------------------

func VRF(id uint16) slog.Attr      { return slog.Any(KeyVRF, id) }
func Iface(id uint16) slog.Attr    { return slog.Any(KeyIface, id) }
func Family(f string) slog.Attr    { return slog.String(KeyFamily, f) }
func Addr(a string) slog.Attr      { return slog.String(KeyAddr, a) }
func LLAddr(mac string) slog.Attr  { return slog.String(KeyLLAddr, mac) }
func Prefix(p string) slog.Attr    { return slog.String(KeyPrefix, p) }

// ----------------------------------------------------------------------------
// Nexthop lifecycle
// ----------------------------------------------------------------------------

func Nexthop(addr string) slog.Attr { return slog.String(KeyNexthop, addr) }

// Handle returns a grouped attr for a generation-tagged pool handle
// (SPEC_FULL.md §5.1), so log lines can show both fields without key
// collisions across nested groups.
func Handle(index, gen uint32) slog.Attr {
	return slog.Group("handle", slog.Any("index", index), slog.Any(KeyGeneration, gen))
}
func State(s string) slog.Attr       { return slog.String(KeyState, s) }
func RefCount(n uint32) slog.Attr    { return slog.Any(KeyRefCount, n) }
func HeldCount(n int) slog.Attr      { return slog.Int(KeyHeldCount, n) }
func ProbeCount(n uint32) slog.Attr  { return slog.Any(KeyProbeCount, n) }
func SolicitKind(k string) slog.Attr { return slog.String(KeySolicitKind, k) }

// ----------------------------------------------------------------------------
// Bridge / handler
// ----------------------------------------------------------------------------

func HandlerName(name string) slog.Attr { return slog.String(KeyHandlerName, name) }
func HandlerID(id int) slog.Attr        { return slog.Int(KeyHandlerID, id) }
func Worker(id int) slog.Attr           { return slog.Int(KeyWorker, id) }
func Pending(n int) slog.Attr           { return slog.Int(KeyPending, n) }
func Dropped(n uint64) slog.Attr        { return slog.Any(KeyDropped, n) }

// ----------------------------------------------------------------------------
// Operator requests
// ----------------------------------------------------------------------------

func RequestID(id string) slog.Attr { return slog.String(KeyRequestID, id) }
func Operation(op string) slog.Attr { return slog.String(KeyOperation, op) }

// ----------------------------------------------------------------------------
// Operation Metadata
// ----------------------------------------------------------------------------

func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err returns a slog.Attr for an error, or a zero Attr for nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

func ErrorCode(code int) slog.Attr { return slog.Int(KeyErrorCode, code) }
