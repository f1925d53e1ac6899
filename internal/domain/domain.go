package domain

// Status is the lifecycle state of a WorkItem.
type Status string

const (
	StatusOpen       Status = "open"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusStalled    Status = "stalled"
	StatusEscalated  Status = "escalated"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status ends the item's lifecycle.
// Terminal items are immutable and retained for audit.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Priority orders work items; lower is more urgent.
type Priority int

const (
	P0 Priority = iota // critical
	P1                 // high
	P2                 // medium
	P3                 // low
	P4                 // backlog
)

func (p Priority) String() string {
	switch p {
	case P0:
		return "P0"
	case P1:
		return "P1"
	case P2:
		return "P2"
	case P3:
		return "P3"
	case P4:
		return "P4"
	}
	return "P?"
}

// OperationType classifies the specialization a WorkItem requires.
type OperationType string

const (
	OpArchitecture   OperationType = "architecture"
	OpDevelopment    OperationType = "development"
	OpQA             OperationType = "qa"
	OpDeployment     OperationType = "deployment"
	OpMarketing      OperationType = "marketing"
	OpSales          OperationType = "sales"
	OpSupport        OperationType = "support"
	OpSecurity       OperationType = "security"
	OpFinance        OperationType = "finance"
	OpOperations     OperationType = "operations"
	OpAnalytics      OperationType = "analytics"
	OpManagement     OperationType = "management"
	OpResearch       OperationType = "research"
	OpDesign         OperationType = "design"
	OpDocumentation  OperationType = "documentation"
	OpLegal          OperationType = "legal"
	OpHR             OperationType = "hr"
	OpInfrastructure OperationType = "infrastructure"
)

// OperationTypes lists every recognized operation type.
var OperationTypes = []OperationType{
	OpArchitecture, OpDevelopment, OpQA, OpDeployment, OpMarketing,
	OpSales, OpSupport, OpSecurity, OpFinance, OpOperations, OpAnalytics,
	OpManagement, OpResearch, OpDesign, OpDocumentation, OpLegal, OpHR,
	OpInfrastructure,
}

// ValidOperationType reports whether t is one of the recognized types.
func ValidOperationType(t OperationType) bool {
	for _, op := range OperationTypes {
		if op == t {
			return true
		}
	}
	return false
}

// WorkItem is a unit of delegated work tracked through a status lifecycle.
// Timestamps are RFC3339 strings, matching the ticket store's wire format.
type WorkItem struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	OperationType  OperationType `json:"operation_type"`
	Priority       Priority      `json:"priority"`
	Status         Status        `json:"status" enum:"open,assigned,in_progress,blocked,stalled,escalated,done,failed"`
	AssignedAgent  *string       `json:"assigned_agent,omitempty"`
	ParentID       *string       `json:"parent_id,omitempty"`
	CreatedAt      string        `json:"created_at" format:"date-time"`
	LastActivityAt string        `json:"last_activity_at" format:"date-time"`

	// Declared requirements for deployment-class items, consumed by the
	// resource policy engine.
	EstimatedSeconds int  `json:"estimated_seconds,omitempty"`
	Stateful         bool `json:"stateful,omitempty"`

	// RedelegationDepth counts how many times this line of work has been
	// re-delegated after escalating. Bounded by the delegation depth limit.
	RedelegationDepth int `json:"redelegation_depth,omitempty"`
}

// IsRoot reports whether the item was created directly by the orchestrator
// rather than delegated by a manager.
func (w WorkItem) IsRoot() bool {
	return w.ParentID == nil || *w.ParentID == ""
}

// AgentStatus is the liveness state of a registered agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// Agent is a registered worker with a role and capability set.
type Agent struct {
	ID                string          `json:"id"`
	Role              string          `json:"role"`
	Manager           bool            `json:"manager"`
	Capabilities      []OperationType `json:"capabilities"`
	Status            AgentStatus     `json:"status" enum:"idle,busy,offline"`
	CurrentWorkItemID *string         `json:"current_work_item_id,omitempty"`
	LastHeartbeatAt   string          `json:"last_heartbeat_at" format:"date-time"`
	RegisteredAt      string          `json:"registered_at" format:"date-time"`
}

// CanAccept reports whether the agent's capability set includes t.
func (a Agent) CanAccept(t OperationType) bool {
	for _, c := range a.Capabilities {
		if c == t {
			return true
		}
	}
	return false
}

// EscalationReason classifies why an escalation was raised.
type EscalationReason string

const (
	ReasonStalled         EscalationReason = "stalled"
	ReasonAgentOffline    EscalationReason = "agent_offline"
	ReasonPolicyViolation EscalationReason = "policy_violation"
)

// Escalation is raised by the stall detector when a work item's inactivity
// exceeds policy thresholds.
type Escalation struct {
	ID         string           `json:"id"`
	WorkItemID string           `json:"work_item_id"`
	Reason     EscalationReason `json:"reason" enum:"stalled,agent_offline,policy_violation"`
	Severity   string           `json:"severity"`
	CreatedAt  string           `json:"created_at" format:"date-time"`
	Resolved   bool             `json:"resolved"`
}

// Event is an append-only audit record of a committed state change.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey maps a hashed credential to an operator or agent identity.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
