package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agora/internal/app"
	"agora/internal/config"
	"agora/internal/db"
	"agora/internal/domain"
	"agora/internal/engine"
	"agora/internal/migrate"
	"agora/internal/repo"
	"agora/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "agora",
	Short: "Agora CLI",
	Long: `Agora is a marketplace engine for autonomous agents.
Core concepts:
- Workspace: your .agora directory holding the SQLite database; market configs live in the DB.
- Agents: registered workers with staked value, a capability index, and a reputation score.
- Tasks: escrowed work items; statuses go open -> assigned -> submitted -> completed (disputed/failed/cancelled are exits).
- Workflows: budgeted multi-step pipelines; steps gate on dependencies and settle from the workflow escrow.
- Ledger: the internal double-entry book; escrow accounts hold funds in flight, sinks collect fees and penalties.
- Roles: slasher, arbiter, and admin gate the privileged operations.
- Event log: diary of changes, view with 'agora log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGORA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("principal", "local-user", "acting principal")
	rootCmd.PersistentFlags().String("market", "", "market id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("principal", rootCmd.PersistentFlags().Lookup("principal"))
	_ = viper.BindPFlag("market", rootCmd.PersistentFlags().Lookup("market"))
}

func registerCommands() {
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(marketCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
		Long:  "Agents are the workers of the market. Registration locks a stake; capabilities decide which tasks they may accept; reputation tracks outcomes.",
	}
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentGetCmd())
	agent.AddCommand(agentUpdateCmd())
	agent.AddCommand(agentStakeCmd())
	agent.AddCommand(agentWithdrawCmd())
	agent.AddCommand(agentDeactivateCmd())
	agent.AddCommand(agentReactivateCmd())
	agent.AddCommand(agentSlashCmd())
	return agent
}

func agentRegisterCmd() *cobra.Command {
	var opts engine.RegisterAgentOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Owner = viper.GetString("principal")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterAgent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "agent name")
	cmd.Flags().StringVar(&opts.MetadataRef, "metadata-ref", "", "metadata reference")
	cmd.Flags().StringArrayVar(&opts.Capabilities, "capability", []string{}, "capability (repeatable)")
	cmd.Flags().Int64Var(&opts.StakeAmount, "stake", 0, "initial stake amount")
	cmd.Flags().StringVar(&opts.Nonce, "nonce", "", "registration nonce (lets one owner register several agents)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("stake")
	return cmd
}

func agentListCmd() *cobra.Command {
	var owner, capability string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agents, err := e.Repo.ListAgents(ctx, owner, capability)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Owner", "Active", "Stake", "Reputation", "Capabilities"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Owner, a.IsActive, a.StakedAmount, a.ReputationScore, strings.Join(a.Capabilities, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner filter")
	cmd.Flags().StringVar(&capability, "capability", "", "capability filter")
	return cmd
}

func agentGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAgent(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func agentUpdateCmd() *cobra.Command {
	var name, metadataRef string
	var addCaps []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update agent name, metadata, or capabilities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateAgent(ctx, id, viper.GetString("principal"), name, metadataRef, addCaps)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&metadataRef, "metadata-ref", "", "new metadata reference")
	cmd.Flags().StringArrayVar(&addCaps, "add-capability", []string{}, "capability to add (repeatable)")
	return cmd
}

func agentStakeCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "stake <id>",
		Short: "Add stake",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AddStake(ctx, id, viper.GetString("principal"), amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount to stake")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func agentWithdrawCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "withdraw <id>",
		Short: "Withdraw stake above the minimum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.WithdrawStake(ctx, id, viper.GetString("principal"), amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount to withdraw")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func agentDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.DeactivateAgent(ctx, id, viper.GetString("principal"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func agentReactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reactivate <id>",
		Short: "Reactivate agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ReactivateAgent(ctx, id, viper.GetString("principal"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func agentSlashCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "slash <id>",
		Short: "Slash agent stake (slasher role)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SlashAgent(ctx, id, viper.GetString("principal"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "slash reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks carry escrowed rewards. Creating a task locks the reward; settlement pays the agent minus the platform fee, disputes route through an arbiter.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskAcceptCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskRejectCmd())
	task.AddCommand(taskResolveCmd())
	task.AddCommand(taskCancelCmd())
	task.AddCommand(taskAutoReleaseCmd())
	task.AddCommand(taskBestAgentCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.CreateTaskOptions
	var deadline string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task with an escrowed reward",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Requester = viper.GetString("principal")
			parsed, err := time.Parse(time.RFC3339, deadline)
			if err != nil {
				return fmt.Errorf("--deadline must be RFC3339: %w", err)
			}
			opts.Deadline = parsed
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.DescriptionRef, "description-ref", "", "description reference")
	cmd.Flags().StringArrayVar(&opts.RequiredCapabilities, "capability", []string{}, "required capability (repeatable)")
	cmd.Flags().Int64Var(&opts.Reward, "reward", 0, "reward amount")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().BoolVar(&opts.RequiresHumanVerification, "requires-human-verification", false, "require human verification")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("reward")
	_ = cmd.MarkFlagRequired("deadline")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status, requester string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, status, requester)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Reward", "Requester", "Agent"})
				for _, t := range tasks {
					agent := ""
					if t.AssignedAgent != nil {
						agent = *t.AssignedAgent
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Reward, t.Requester, agent})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&requester, "requester", "", "requester filter")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskAcceptCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept a task for an agent you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AcceptTask(ctx, id, agentID, viper.GetString("principal"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func taskSubmitCmd() *cobra.Command {
	var resultRef string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SubmitResult(ctx, id, viper.GetString("principal"), resultRef)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&resultRef, "result-ref", "", "result reference")
	_ = cmd.MarkFlagRequired("result-ref")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a submitted result and settle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ApproveResult(ctx, id, viper.GetString("principal"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a submitted result (opens a dispute)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RejectResult(ctx, id, viper.GetString("principal"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func taskResolveCmd() *cobra.Command {
	var favorAgent bool
	var reason string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a dispute (arbiter role)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ResolveDispute(ctx, id, viper.GetString("principal"), favorAgent, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().BoolVar(&favorAgent, "favor-agent", false, "rule in favor of the agent")
	cmd.Flags().StringVar(&reason, "reason", "", "resolution reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an open task and refund the escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CancelTask(ctx, id, viper.GetString("principal"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskAutoReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auto-release <id>",
		Short: "Settle a submitted task after the approval window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AutoRelease(ctx, id, viper.GetString("principal"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskBestAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "best-agent <id>",
		Short: "Suggest the best qualifying agent for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.BestAgentForTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflows",
		Long:  "Workflows escrow one budget and spend it across dependency-gated steps. Steps settle immediately on completion; whatever is left returns to the creator at the end.",
	}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowGetCmd())
	wf.AddCommand(workflowAddStepCmd())
	wf.AddCommand(workflowStartCmd())
	wf.AddCommand(workflowStepsCmd())
	wf.AddCommand(workflowReadyCmd())
	wf.AddCommand(workflowAcceptStepCmd())
	wf.AddCommand(workflowCompleteStepCmd())
	wf.AddCommand(workflowFailStepCmd())
	wf.AddCommand(workflowSkipStepCmd())
	wf.AddCommand(workflowCancelCmd())
	return wf
}

func workflowCreateCmd() *cobra.Command {
	var opts engine.CreateWorkflowOptions
	var deadline string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow with an escrowed budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Creator = viper.GetString("principal")
			parsed, err := time.Parse(time.RFC3339, deadline)
			if err != nil {
				return fmt.Errorf("--deadline must be RFC3339: %w", err)
			}
			opts.Deadline = parsed
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkflow(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "workflow name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().Int64Var(&opts.TotalBudget, "budget", 0, "total budget")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("budget")
	_ = cmd.MarkFlagRequired("deadline")
	return cmd
}

func workflowListCmd() *cobra.Command {
	var creator string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListWorkflows(ctx, creator)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Budget", "Spent", "Creator"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Name, w.Status, w.TotalBudget, w.Spent, w.Creator})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&creator, "creator", "", "creator filter")
	return cmd
}

func workflowGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.GetWorkflow(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workflowAddStepCmd() *cobra.Command {
	var opts engine.AddStepOptions
	cmd := &cobra.Command{
		Use:   "add-step <workflow-id>",
		Short: "Add a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkflowID = args[0]
			opts.Caller = viper.GetString("principal")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AddStep(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "step name")
	cmd.Flags().StringVar(&opts.Capability, "capability", "", "required capability")
	cmd.Flags().Int64Var(&opts.Reward, "reward", 0, "step reward")
	cmd.Flags().StringVar(&opts.StepType, "type", "sequential", "step type (sequential or parallel)")
	cmd.Flags().StringArrayVar(&opts.Dependencies, "depends-on", []string{}, "dependency step id (repeatable)")
	cmd.Flags().StringVar(&opts.InputRef, "input-ref", "", "input reference")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("capability")
	_ = cmd.MarkFlagRequired("reward")
	return cmd
}

func workflowStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.StartWorkflow(ctx, id, viper.GetString("principal"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workflowStepsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps <id>",
		Short: "List workflow steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSteps(ctx, id)
				if err != nil {
					return err
				}
				return printSteps(items)
			})
		},
	}
	return cmd
}

func workflowReadyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ready <id>",
		Short: "List claimable steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ReadySteps(ctx, id)
				if err != nil {
					return err
				}
				return printSteps(items)
			})
		},
	}
	return cmd
}

func workflowAcceptStepCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "accept-step <workflow-id> <step-id>",
		Short: "Accept a ready step for an agent you own",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AcceptStep(ctx, args[0], args[1], agentID, viper.GetString("principal"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func workflowCompleteStepCmd() *cobra.Command {
	var outputRef string
	cmd := &cobra.Command{
		Use:   "complete-step <workflow-id> <step-id>",
		Short: "Complete a running step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CompleteStep(ctx, args[0], args[1], viper.GetString("principal"), outputRef)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&outputRef, "output-ref", "", "output reference")
	_ = cmd.MarkFlagRequired("output-ref")
	return cmd
}

func workflowFailStepCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail-step <workflow-id> <step-id>",
		Short: "Fail a running step (arbiter role)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.FailStep(ctx, args[0], args[1], viper.GetString("principal"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func workflowSkipStepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip-step <workflow-id> <step-id>",
		Short: "Skip a pending step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SkipStep(ctx, args[0], args[1], viper.GetString("principal"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func workflowCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel workflow and refund remaining escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CancelWorkflow(ctx, id, viper.GetString("principal"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func ledgerCmd() *cobra.Command {
	led := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the ledger",
	}
	led.AddCommand(ledgerDepositCmd())
	led.AddCommand(ledgerBalanceCmd())
	led.AddCommand(ledgerSupplyCmd())
	return led
}

func ledgerDepositCmd() *cobra.Command {
	var principal string
	var amount int64
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Credit newly issued value to a principal (dev only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if principal == "" {
				principal = viper.GetString("principal")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Deposit(ctx, principal, amount); err != nil {
					return err
				}
				a, err := e.Ledger.Account(ctx, principal)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&principal, "to", "", "receiving principal (defaults to --principal)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func ledgerBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance [principal]",
		Short: "Show an account balance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			principal := viper.GetString("principal")
			if len(args) == 1 {
				principal = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Ledger.Account(ctx, principal)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func ledgerSupplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supply",
		Short: "Show total supply",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				supply, err := e.Ledger.TotalSupply(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int64{"total_supply": supply})
			})
		},
	}
	return cmd
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage roles",
	}
	cmd.AddCommand(roleGrantCmd())
	cmd.AddCommand(roleRevokeCmd())
	cmd.AddCommand(roleListCmd())
	cmd.AddCommand(roleBootstrapCmd())
	return cmd
}

func roleGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant role to a principal (admin role)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--to and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, viper.GetString("principal"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target principal")
	cmd.Flags().StringVar(&role, "role", "", "role (slasher, arbiter, admin)")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke role from a principal (admin role)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--from and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, viper.GetString("principal"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "from", "", "target principal")
	cmd.Flags().StringVar(&role, "role", "", "role (slasher, arbiter, admin)")
	return cmd
}

func roleListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List role grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRoleGrants(ctx, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func roleBootstrapCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Grant a role without admin checks (dev only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--to and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.GrantRoleTx(ctx, tx, target, role, "bootstrap"); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target principal")
	cmd.Flags().StringVar(&role, "role", "", "role (slasher, arbiter, admin)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			principal := viper.GetString("principal")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
				key := domain.APIKey{
					ID:        uuid.New().String(),
					Principal: principal,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The raw key is shown exactly once; only the hash is stored.
				return printJSONOrTable(map[string]string{"id": key.ID, "principal": principal, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the acting principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			principal := viper.GetString("principal")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, principal)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect market config",
		Long:  "Config is the rulebook (stored in DB): stake minimums, fee and slash rates, reputation deltas, and the auto-release window. Import from agora.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import market config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			marketID := cfg.Market.ID
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if marketID == "" {
					if id, _, err := r.SingleMarketConfig(ctx); err == nil {
						marketID = id
					} else {
						return fmt.Errorf("config.market.id is required")
					}
				}
				if err := r.UpsertMarketConfig(ctx, marketID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	var marketID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Print default config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(marketID))
			return nil
		},
	}
	cmd.Flags().StringVar(&marketID, "market", "local", "market id")
	return cmd
}

func marketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "market",
		Short: "Manage markets",
	}
	cmd.AddCommand(marketUseCmd())
	return cmd
}

func marketUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current market for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			marketID := strings.TrimSpace(args[0])
			if marketID == "" {
				return fmt.Errorf("market id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "AGORA_MARKET", marketID); err != nil {
				return err
			}
			fmt.Printf("Set AGORA_MARKET=%s in %s/.env\n", marketID, workspace)
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show market status",
		Long:  "See the scoreboard for your market: task counts by status and total supply.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				supply, err := e.Ledger.TotalSupply(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"market_id":    e.Config.Market.ID,
					"task_counts":  counts,
					"total_supply": supply,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Market: %s\n", e.Config.Market.ID)
				fmt.Printf("Total supply: %d\n", supply)
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: registrations, escrow movements, settlements, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowDevLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveMarketAndConfig(cmd.Context(), viper.GetString("market"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:     os.Getenv("AGORA_JWT_SECRET"),
				AllowDevLogin: allowDevLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("AGORA_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Agora API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowDevLogin, "allow-dev-login", false, "enable the dev token endpoint")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveMarketAndConfig(ctx, viper.GetString("market"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printSteps(items []domain.WorkflowStep) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Status", "Capability", "Reward", "Agent", "Deps"})
	for _, s := range items {
		agent := ""
		if s.AssignedAgent != nil {
			agent = *s.AssignedAgent
		}
		tw.AppendRow(table.Row{s.ID, s.Name, s.Status, s.Capability, s.Reward, agent, strings.Join(s.Dependencies, ",")})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
