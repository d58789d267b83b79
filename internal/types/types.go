package types

import (
	"time"
)

// ThreatKind identifies what a telemetry observation describes
type ThreatKind string

const (
	KindProcessSniffing     ThreatKind = "process_sniffing"
	KindProcessInjection    ThreatKind = "process_injection"
	KindProcessSuspicious   ThreatKind = "process_suspicious"
	KindNetworkPortScan     ThreatKind = "network_portscan"
	KindNetworkExfiltration ThreatKind = "network_exfiltration"
	KindNetworkC2           ThreatKind = "network_c2"
	KindNetworkSuspicious   ThreatKind = "network_suspicious"
	KindFileUnauthorized    ThreatKind = "file_unauthorized"
	KindFileModification    ThreatKind = "file_modification"
	KindFileRansomware      ThreatKind = "file_ransomware"
	KindMemoryTampering     ThreatKind = "memory_tampering"
	KindPrivilegeEscalation ThreatKind = "privilege_escalation"
)

// Domain groups threat kinds by the telemetry source they come from
type Domain string

const (
	DomainProcess   Domain = "process"
	DomainNetwork   Domain = "network"
	DomainFile      Domain = "file"
	DomainMemory    Domain = "memory"
	DomainPrivilege Domain = "privilege"
	DomainUnknown   Domain = "unknown"
)

// Domain returns the telemetry domain of the kind
func (k ThreatKind) Domain() Domain {
	switch k {
	case KindProcessSniffing, KindProcessInjection, KindProcessSuspicious:
		return DomainProcess
	case KindNetworkPortScan, KindNetworkExfiltration, KindNetworkC2, KindNetworkSuspicious:
		return DomainNetwork
	case KindFileUnauthorized, KindFileModification, KindFileRansomware:
		return DomainFile
	case KindMemoryTampering:
		return DomainMemory
	case KindPrivilegeEscalation:
		return DomainPrivilege
	default:
		return DomainUnknown
	}
}

// Valid reports whether k is one of the known kinds
func (k ThreatKind) Valid() bool {
	return k.Domain() != DomainUnknown
}

// AllKinds lists every known threat kind
func AllKinds() []ThreatKind {
	return []ThreatKind{
		KindProcessSniffing, KindProcessInjection, KindProcessSuspicious,
		KindNetworkPortScan, KindNetworkExfiltration, KindNetworkC2, KindNetworkSuspicious,
		KindFileUnauthorized, KindFileModification, KindFileRansomware,
		KindMemoryTampering, KindPrivilegeEscalation,
	}
}

// Classification is the per-event verdict that drives the response
type Classification string

const (
	ClassTrusted    Classification = "trusted"
	ClassNeutral    Classification = "neutral"
	ClassSuspicious Classification = "suspicious"
	ClassMalicious  Classification = "malicious"
	ClassCaptured   Classification = "captured"
)

// SignatureMatch is one hit reported by a signature matcher
type SignatureMatch struct {
	Name  string `json:"name"`
	Level int    `json:"level"` // 0..10
}

// Observation is a raw telemetry record as emitted by a collector
type Observation struct {
	Kind       ThreatKind       `json:"kind"`
	Source     string           `json:"source"`
	Details    string           `json:"details,omitempty"`
	Entropy    *float64         `json:"entropy,omitempty"`
	Signatures []SignatureMatch `json:"signatures,omitempty"`
	Flags      []string         `json:"flags,omitempty"`
	Credential string           `json:"credential,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// HasMeasurements reports whether any severity input is present
func (o Observation) HasMeasurements() bool {
	return o.Entropy != nil || len(o.Signatures) > 0 || len(o.Flags) > 0
}

// ThreatEvent is a classified observation flowing through the pipeline
type ThreatEvent struct {
	ID             string         `json:"id"`
	Kind           ThreatKind     `json:"kind"`
	Source         string         `json:"source"`
	AttackEnergy   float64        `json:"attack_energy"`
	Details        string         `json:"details,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Classification Classification `json:"classification"`
	Credentialed   bool           `json:"credentialed"`
	DefenseEnergy  *float64       `json:"defense_energy,omitempty"`
}

// Resolve returns a copy of the event carrying its defense energy.
// The first resolution wins.
func (e ThreatEvent) Resolve(defense float64) ThreatEvent {
	if e.DefenseEnergy != nil {
		return e
	}
	e.DefenseEnergy = &defense
	return e
}

// Action is a mitigation decision
type Action string

const (
	ActionNone       Action = "none"
	ActionMonitor    Action = "monitor"
	ActionSuspend    Action = "suspend"
	ActionTerminate  Action = "terminate"
	ActionBlock      Action = "block"
	ActionQuarantine Action = "quarantine"
	ActionHarvest    Action = "harvest"
)

// External reports whether the action needs an OS-facing collaborator
func (a Action) External() bool {
	switch a {
	case ActionSuspend, ActionTerminate, ActionBlock, ActionQuarantine:
		return true
	default:
		return false
	}
}

// Outcome of one dispatch attempt
type Outcome string

const (
	OutcomeNoop               Outcome = "noop"
	OutcomeSucceeded          Outcome = "succeeded"
	OutcomeFailed             Outcome = "failed"
	OutcomeInsufficientBudget Outcome = "insufficient_budget"
	OutcomeRateLimited        Outcome = "rate_limited"
)

// ActionRecord is the audit trail entry for one dispatch
type ActionRecord struct {
	ID             string         `json:"id"`
	EventID        string         `json:"event_id"`
	Kind           ThreatKind     `json:"kind"`
	Source         string         `json:"source"`
	Classification Classification `json:"classification"`
	Action         Action         `json:"action"`
	Cost           float64        `json:"cost"`
	Outcome        Outcome        `json:"outcome"`
	Error          string         `json:"error,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Result is what ProcessEvent hands back to callers
type Result struct {
	Event          ThreatEvent    `json:"event"`
	Classification Classification `json:"classification"`
	Action         Action         `json:"action"`
	Outcome        Outcome        `json:"outcome"`
	EnergySpent    float64        `json:"defense_energy_spent"`
	DefenseEnergy  float64        `json:"defense_energy"`
	Harvested      float64        `json:"harvested"`
	NeutralCredit  float64        `json:"neutral_credit"`
	EruptionCredit float64        `json:"eruption_credit"`
	Supersonic     bool           `json:"supersonic"`
}

// Credited is the total budget credit this event produced
func (r Result) Credited() float64 {
	return r.DefenseEnergy + r.Harvested + r.NeutralCredit + r.EruptionCredit
}

// Status is the operator-facing snapshot of the engine accumulators
type Status struct {
	Budget          float64            `json:"budget"`
	Pressure        float64            `json:"pressure"`
	Layers          []float64          `json:"layers"`
	CapturedCount   int                `json:"captured_count"`
	CaptureMass     float64            `json:"capture_mass"`
	CaptureHorizon  float64            `json:"capture_horizon"`
	HarvestedEnergy float64            `json:"harvested_energy"`
	NeutralEnergy   float64            `json:"neutral_energy"`
	KoronaOutput    float64            `json:"korona_output"`
	ActiveBeams     int                `json:"active_beams"`
	Eruptions       uint64             `json:"eruptions"`
	EruptionOutput  float64            `json:"eruption_output"`
	Supersonic      bool               `json:"supersonic"`
	EventsProcessed uint64             `json:"events_processed"`
	ActionsTaken    uint64             `json:"actions_taken"`
	Outcomes        map[Outcome]uint64 `json:"outcomes"`
	UptimeSeconds   float64            `json:"uptime_seconds"`
}
