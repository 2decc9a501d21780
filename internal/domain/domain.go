package domain

// Agent is a capability-tagged worker backed by staked collateral.
type Agent struct {
	ID              string   `json:"id"`
	Owner           string   `json:"owner"`
	Name            string   `json:"name"`
	MetadataRef     string   `json:"metadata_ref,omitempty"`
	Capabilities    []string `json:"capabilities"`
	StakedAmount    int64    `json:"staked_amount"`
	ReputationScore int      `json:"reputation_score"`
	TasksCompleted  int64    `json:"tasks_completed"`
	TasksFailed     int64    `json:"tasks_failed"`
	TotalEarned     int64    `json:"total_earned"`
	RegisteredAt    string   `json:"registered_at" format:"date-time"`
	IsActive        bool     `json:"is_active"`
}

type Task struct {
	ID                        string   `json:"id"`
	Requester                 string   `json:"requester"`
	AssignedAgent             *string  `json:"assigned_agent,omitempty"`
	Title                     string   `json:"title"`
	DescriptionRef            string   `json:"description_ref,omitempty"`
	RequiredCapabilities      []string `json:"required_capabilities"`
	Reward                    int64    `json:"reward"`
	Status                    string   `json:"status" enum:"open,assigned,submitted,disputed,completed,cancelled,failed"`
	ResultRef                 *string  `json:"result_ref,omitempty"`
	RequiresHumanVerification bool     `json:"requires_human_verification"`
	CreatedAt                 string   `json:"created_at" format:"date-time"`
	Deadline                  string   `json:"deadline" format:"date-time"`
	SubmittedAt               *string  `json:"submitted_at,omitempty" format:"date-time"`
}

type Workflow struct {
	ID          string   `json:"id"`
	Creator     string   `json:"creator"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	TotalBudget int64    `json:"total_budget"`
	Spent       int64    `json:"spent"`
	Status      string   `json:"status" enum:"draft,active,completed,cancelled"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	Deadline    string   `json:"deadline" format:"date-time"`
	StepIDs     []string `json:"step_ids,omitempty"`
}

type WorkflowStep struct {
	ID            string   `json:"id"`
	WorkflowID    string   `json:"workflow_id"`
	Name          string   `json:"name"`
	Capability    string   `json:"capability"`
	AssignedAgent *string  `json:"assigned_agent,omitempty"`
	Reward        int64    `json:"reward"`
	StepType      string   `json:"step_type" enum:"sequential,parallel"`
	Dependencies  []string `json:"dependencies,omitempty"`
	Status        string   `json:"status" enum:"pending,running,completed,failed,skipped"`
	InputRef      string   `json:"input_ref,omitempty"`
	OutputRef     *string  `json:"output_ref,omitempty"`
	StartedAt     *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Account is a ledger balance owned by a principal or an engine-internal sink.
type Account struct {
	Principal string `json:"principal"`
	Balance   int64  `json:"balance"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Principal  string `json:"principal"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Principal string `json:"principal"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RoleGrant authorizes a principal for a privileged engine role
// (slasher, arbiter, admin).
type RoleGrant struct {
	Principal string `json:"principal"`
	Role      string `json:"role" enum:"slasher,arbiter,admin"`
	GrantedBy string `json:"granted_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
