// Package gatortype holds the record shapes shared by every layer of the
// job tree: log severities, lifecycle states, results, and the handful of
// structured records the artifact store persists.
package gatortype

import (
	"strings"
	"time"
)

// LogSeverity mirrors the ordering used by the teacher's zap wrapper
// (DEBUG < INFO < WARNING < ERROR < CRITICAL), not Go's slog levels.
type LogSeverity int

const (
	SeverityDebug LogSeverity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

var severityNames = map[LogSeverity]string{
	SeverityDebug:    "DEBUG",
	SeverityInfo:     "INFO",
	SeverityWarning:  "WARNING",
	SeverityError:    "ERROR",
	SeverityCritical: "CRITICAL",
}

func (s LogSeverity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// AllSeverities lists every severity in ascending order, used when rolling
// up per-severity message counts into metrics.
func AllSeverities() []LogSeverity {
	return []LogSeverity{SeverityDebug, SeverityInfo, SeverityWarning, SeverityError, SeverityCritical}
}

// ParseSeverity accepts a case-insensitive severity name, defaulting to INFO
// for anything unrecognised (matches the Python server's handle_log).
func ParseSeverity(name string) LogSeverity {
	for sev, n := range severityNames {
		if strings.EqualFold(n, name) {
			return sev
		}
	}
	return SeverityInfo
}

// JobState is the Child lifecycle state machine held by the parent Tier.
type JobState int

const (
	JobPending JobState = iota
	JobLaunched
	JobStarted
	JobComplete
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "PENDING"
	case JobLaunched:
		return "LAUNCHED"
	case JobStarted:
		return "STARTED"
	case JobComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// JobResult is the terminal label recorded against a layer or Child.
type JobResult int

const (
	ResultUnknown JobResult = iota
	ResultSuccess
	ResultFailure
	ResultAborted
)

func (r JobResult) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultFailure:
		return "FAILURE"
	case ResultAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// ParseResult is the inverse of String, used to decode the RPC wire value.
func ParseResult(s string) JobResult {
	switch s {
	case "SUCCESS":
		return ResultSuccess
	case "FAILURE":
		return ResultFailure
	case "ABORTED":
		return ResultAborted
	default:
		return ResultUnknown
	}
}

// MetricScope distinguishes a layer's own counters from the sums rolled up
// from its children.
type MetricScope string

const (
	ScopeOwn   MetricScope = "_OWN_"
	ScopeGroup MetricScope = "_GROUP_"
)

// Attribute is a general purpose name/value record (ident, uidx, root,
// path, result, resource requests, ...).
type Attribute struct {
	Uid   uint   `gorm:"primaryKey;autoIncrement" json:"uid"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (a *Attribute) GetUid() uint { return a.Uid }

// LogEntry is a single structured log message, persisted with a monotone
// unique identifier assigned by the store.
type LogEntry struct {
	Uid       uint        `gorm:"primaryKey;autoIncrement" json:"uid"`
	Severity  LogSeverity `json:"severity"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

func (l *LogEntry) GetUid() uint { return l.Uid }

// ProcStat is one sample of process-tree resource usage.
type ProcStat struct {
	Uid       uint      `gorm:"primaryKey;autoIncrement" json:"uid"`
	Timestamp time.Time `json:"timestamp"`
	NProc     int       `json:"nproc"`
	CPU       float64   `json:"cpu"`
	Mem       uint64    `json:"mem"`
	VMem      uint64    `json:"vmem"`
}

func (p *ProcStat) GetUid() uint { return p.Uid }

// Metric is a general purpose integer counter, unique per (scope, name)
// within a layer.
type Metric struct {
	Uid   uint        `gorm:"primaryKey;autoIncrement" json:"uid"`
	Scope MetricScope `json:"scope"`
	Name  string      `json:"name"`
	Value int64       `json:"value"`
}

func (m *Metric) GetUid() uint { return m.Uid }

// ChildEntry is the store-side record of one launched child, kept so a
// tracking directory remains self-describing after the owning process
// exits.
type ChildEntry struct {
	Uid              uint      `gorm:"primaryKey;autoIncrement" json:"uid"`
	Ident            string    `json:"ident"`
	ServerURL        string    `json:"server_url"`
	DBFile           string    `json:"db_file"`
	Started          *float64  `json:"started"`
	Updated          *float64  `json:"updated"`
	Stopped          *float64  `json:"stopped"`
	Result           JobResult `json:"result"`
	ExpectedChildren int       `json:"expected_children"`
}

func (c *ChildEntry) GetUid() uint { return c.Uid }

// ResourceUnit is the unit a Job spec expresses its memory request in.
type ResourceUnit string

const (
	UnitKB ResourceUnit = "KB"
	UnitMB ResourceUnit = "MB"
	UnitGB ResourceUnit = "GB"
	UnitTB ResourceUnit = "TB"
)

// MemoryMultipliers converts a ResourceUnit into megabytes, per §4.3.
var MemoryMultipliers = map[ResourceUnit]float64{
	UnitKB: 0.1,
	UnitMB: 1,
	UnitGB: 1000,
	UnitTB: 1_000_000,
}
