package server

import (
	"encoding/json"

	"agora/internal/domain"
)

// Request payloads

type RegisterAgentRequest struct {
	Name         string   `json:"name"`
	MetadataRef  *string  `json:"metadata_ref,omitempty"`
	Capabilities []string `json:"capabilities"`
	StakeAmount  int64    `json:"stake_amount"`
	Nonce        *string  `json:"nonce,omitempty"`
}

type UpdateAgentRequest struct {
	Name            *string  `json:"name,omitempty"`
	MetadataRef     *string  `json:"metadata_ref,omitempty"`
	AddCapabilities []string `json:"add_capabilities,omitempty"`
}

type StakeRequest struct {
	Amount int64 `json:"amount"`
}

type SlashRequest struct {
	Reason string `json:"reason"`
}

type CreateTaskRequest struct {
	Title                     string   `json:"title"`
	DescriptionRef            *string  `json:"description_ref,omitempty"`
	RequiredCapabilities      []string `json:"required_capabilities"`
	Reward                    int64    `json:"reward"`
	Deadline                  string   `json:"deadline" format:"date-time"`
	RequiresHumanVerification bool     `json:"requires_human_verification,omitempty"`
}

type AcceptTaskRequest struct {
	AgentID string `json:"agent_id"`
}

type SubmitResultRequest struct {
	ResultRef string `json:"result_ref"`
}

type RejectResultRequest struct {
	Reason string `json:"reason"`
}

type ResolveDisputeRequest struct {
	FavorAgent bool   `json:"favor_agent"`
	Reason     string `json:"reason,omitempty"`
}

type CreateWorkflowRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	TotalBudget int64   `json:"total_budget"`
	Deadline    string  `json:"deadline" format:"date-time"`
}

type AddStepRequest struct {
	Name         string   `json:"name"`
	Capability   string   `json:"capability"`
	Reward       int64    `json:"reward"`
	StepType     string   `json:"step_type,omitempty" enum:"sequential,parallel"`
	Dependencies []string `json:"dependencies,omitempty"`
	InputRef     *string  `json:"input_ref,omitempty"`
}

type AcceptStepRequest struct {
	AgentID string `json:"agent_id"`
}

type CompleteStepRequest struct {
	OutputRef string `json:"output_ref"`
}

type FailStepRequest struct {
	Reason string `json:"reason"`
}

type DepositRequest struct {
	Principal string `json:"principal"`
	Amount    int64  `json:"amount"`
}

type RoleChangeRequest struct {
	Principal string `json:"principal"`
	Role      string `json:"role" enum:"slasher,arbiter,admin"`
}

type DevLoginRequest struct {
	Principal string   `json:"principal"`
	Roles     []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type AgentResponse struct {
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

type TaskResponse struct {
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

type WorkflowResponse struct {
	ID          string   `json:"id"`
	Creator     string   `json:"creator"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	TotalBudget int64    `json:"total_budget"`
	Spent       int64    `json:"spent"`
	Status      string   `json:"status" enum:"draft,active,completed,cancelled"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	Deadline    string   `json:"deadline" format:"date-time"`
	StepIDs     []string `json:"step_ids"`
}

type StepResponse struct {
	ID            string   `json:"id"`
	WorkflowID    string   `json:"workflow_id"`
	Name          string   `json:"name"`
	Capability    string   `json:"capability"`
	AssignedAgent *string  `json:"assigned_agent,omitempty"`
	Reward        int64    `json:"reward"`
	StepType      string   `json:"step_type" enum:"sequential,parallel"`
	Dependencies  []string `json:"dependencies"`
	Status        string   `json:"status" enum:"pending,running,completed,failed,skipped"`
	InputRef      string   `json:"input_ref,omitempty"`
	OutputRef     *string  `json:"output_ref,omitempty"`
	StartedAt     *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string  `json:"completed_at,omitempty" format:"date-time"`
}

type AccountResponse struct {
	Principal string `json:"principal"`
	Balance   int64  `json:"balance"`
	UpdatedAt string `json:"updated_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Principal  string         `json:"principal"`
	Payload    map[string]any `json:"payload"`
}

type RoleGrantResponse struct {
	Principal string `json:"principal"`
	Role      string `json:"role"`
	GrantedBy string `json:"granted_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	Principal string   `json:"principal"`
	Roles     []string `json:"roles"`
	Balance   int64    `json:"balance"`
	Agents    []string `json:"agents"`
}

type MarketStatusResponse struct {
	MarketID    string         `json:"market_id"`
	TaskCounts  map[string]int `json:"task_counts"`
	TotalSupply int64          `json:"total_supply"`
}

// Conversion helpers

func agentResponse(a domain.Agent) AgentResponse {
	res := AgentResponse(a)
	res.Capabilities = nonNilSlice(res.Capabilities)
	return res
}

func taskResponse(t domain.Task) TaskResponse {
	res := TaskResponse(t)
	res.RequiredCapabilities = nonNilSlice(res.RequiredCapabilities)
	return res
}

func workflowResponse(w domain.Workflow) WorkflowResponse {
	res := WorkflowResponse(w)
	res.StepIDs = nonNilSlice(res.StepIDs)
	return res
}

func stepResponse(s domain.WorkflowStep) StepResponse {
	res := StepResponse(s)
	res.Dependencies = nonNilSlice(res.Dependencies)
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Principal:  e.Principal,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapAgents(items []domain.Agent) []AgentResponse {
	res := make([]AgentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, agentResponse(a))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapWorkflows(items []domain.Workflow) []WorkflowResponse {
	res := make([]WorkflowResponse, 0, len(items))
	for _, w := range items {
		res = append(res, workflowResponse(w))
	}
	return res
}

func mapSteps(items []domain.WorkflowStep) []StepResponse {
	res := make([]StepResponse, 0, len(items))
	for _, s := range items {
		res = append(res, stepResponse(s))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
