package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"marketline/internal/domain"
	"marketline/internal/engine"
	"marketline/internal/repo"
	"marketline/internal/sanction"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Task and contract setup"}
	task.AddCommand(taskAssignCmd())
	return task
}

func taskAssignCmd() *cobra.Command {
	var opts engine.AssignOptions
	cmd := &cobra.Command{
		Use:   "assign <task-id> <executor-id>",
		Short: "Select an executor, freeze the payment and open the 12h start window",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TaskID, opts.ExecutorID = args[0], args[1]
			opts.ActorID = viper.GetString("actor-id")
			if opts.CustomerID == "" {
				opts.CustomerID = opts.ActorID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, created, err := e.AssignExecutor(ctx, opts)
				if err != nil {
					return err
				}
				return printTransition(a, created)
			})
		},
	}
	cmd.Flags().StringVar(&opts.CustomerID, "customer-id", "", "customer (defaults to --actor-id)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().Int64Var(&opts.Amount, "amount", 0, "escrow amount in cents")
	return cmd
}

type transition func(ctx context.Context, e engine.Engine, taskID, executorID, actorID string) (domain.Assignment, bool, error)

func assignmentActionCmd(use, short string, run transition) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id> <executor-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, changed, err := run(ctx, e, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printTransition(a, changed)
			})
		},
	}
}

func assignmentCmd() *cobra.Command {
	asg := &cobra.Command{
		Use:     "assignment",
		Aliases: []string{"asg"},
		Short:   "Assignment lifecycle",
		Long:    "Transitions whose precondition no longer holds are reported as unchanged rather than failing.",
	}
	asg.AddCommand(assignmentShowCmd())
	asg.AddCommand(assignmentListCmd())
	asg.AddCommand(assignmentActionCmd("start", "Start work and open the 24h execution window",
		func(ctx context.Context, e engine.Engine, taskID, executorID, actorID string) (domain.Assignment, bool, error) {
			return e.StartWork(ctx, taskID, executorID, actorID)
		}))
	asg.AddCommand(assignmentPauseCmd())
	asg.AddCommand(assignmentActionCmd("accept-pause", "Grant the requested pause",
		func(ctx context.Context, e engine.Engine, taskID, executorID, actorID string) (domain.Assignment, bool, error) {
			return e.AcceptPause(ctx, taskID, executorID, nil, actorID)
		}))
	asg.AddCommand(assignmentActionCmd("reject-pause", "Reject the requested pause",
		func(ctx context.Context, e engine.Engine, taskID, executorID, actorID string) (domain.Assignment, bool, error) {
			return e.RejectPause(ctx, taskID, executorID, actorID)
		}))
	asg.AddCommand(assignmentActionCmd("end-pause", "Resume before the pause runs out",
		func(ctx context.Context, e engine.Engine, taskID, executorID, actorID string) (domain.Assignment, bool, error) {
			return e.EndPauseEarly(ctx, taskID, executorID, actorID)
		}))
	asg.AddCommand(assignmentSubmitCmd())
	asg.AddCommand(assignmentActionCmd("revise", "Send the submission back for revision",
		func(ctx context.Context, e engine.Engine, taskID, executorID, actorID string) (domain.Assignment, bool, error) {
			return e.ResumeAfterRevisionRequest(ctx, taskID, executorID, actorID)
		}))
	asg.AddCommand(assignmentActionCmd("accept", "Accept the submission and pay the executor",
		func(ctx context.Context, e engine.Engine, taskID, executorID, actorID string) (domain.Assignment, bool, error) {
			return e.MarkAccepted(ctx, taskID, executorID, actorID)
		}))
	asg.AddCommand(assignmentActionCmd("cancel", "Cancel and refund the customer",
		func(ctx context.Context, e engine.Engine, taskID, executorID, actorID string) (domain.Assignment, bool, error) {
			return e.CancelByCustomer(ctx, taskID, executorID, actorID)
		}))
	asg.AddCommand(assignmentDisputeCmd())
	return asg
}

func assignmentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id> <executor-id>",
		Short: "Show an assignment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAssignment(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func assignmentListCmd() *cobra.Command {
	var f repo.AssignmentFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range strings.Split(status, ",") {
				if strings.TrimSpace(raw) == "" {
					continue
				}
				st, err := domain.ParseAssignmentStatus(strings.TrimSpace(raw))
				if err != nil {
					return err
				}
				f.Statuses = append(f.Statuses, st)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListAssignments(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Executor", "Status", "Start by", "Deadline"})
				for _, a := range list {
					tw.AppendRow(table.Row{a.TaskID, a.ExecutorID, a.Status, formatTime(&a.StartDeadlineAt), formatTime(a.ExecutionDeadlineAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ExecutorID, "executor-id", "", "executor filter")
	cmd.Flags().StringVar(&f.TaskID, "task-id", "", "task filter")
	cmd.Flags().StringVar(&status, "status", "", "comma separated statuses")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func assignmentPauseCmd() *cobra.Command {
	var reason string
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "pause <task-id> <executor-id>",
		Short: "Request the single pause (5m to 24h)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, changed, err := e.RequestPause(ctx, args[0], args[1], reason, duration, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printTransition(a, changed)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "pause reason id (force_majeure counts towards abuse detection)")
	cmd.Flags().DurationVar(&duration, "duration", time.Hour, "requested pause length")
	return cmd
}

func assignmentSubmitCmd() *cobra.Command {
	var files int
	cmd := &cobra.Command{
		Use:   "submit <task-id> <executor-id>",
		Short: "Submit the work for review",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, changed, err := e.MarkSubmitted(ctx, args[0], args[1], files, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printTransition(a, changed)
			})
		},
	}
	cmd.Flags().IntVar(&files, "files", 0, "number of delivered files")
	return cmd
}

func assignmentDisputeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dispute <task-id> <executor-id>",
		Short: "Open a dispute on the assignment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, opened, err := e.OpenDispute(ctx, args[0], args[1], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				if d.ID == "" {
					return fmt.Errorf("assignment %s/%s cannot be disputed in its current state", args[0], args[1])
				}
				return printDispute(d, opened)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the dispute is opened")
	return cmd
}

func disputeCmd() *cobra.Command {
	dsp := &cobra.Command{
		Use:   "dispute",
		Short: "Dispute arbitration",
		Long:  "Arbiter commands take --version, the dispute version the arbiter last saw; a stale version is rejected.",
	}
	dsp.AddCommand(disputeShowCmd())
	dsp.AddCommand(disputeListCmd())
	dsp.AddCommand(disputeVersionedCmd("take", "Claim the dispute for review", func(ctx context.Context, e engine.Engine, id, actorID string, version int64) (domain.Dispute, bool, error) {
		return e.TakeInWork(ctx, id, actorID, version)
	}))
	dsp.AddCommand(disputeVersionedCmd("request-info", "Ask the parties for more information", func(ctx context.Context, e engine.Engine, id, actorID string, version int64) (domain.Dispute, bool, error) {
		return e.RequestMoreInfo(ctx, id, actorID, version)
	}))
	dsp.AddCommand(disputeDecideCmd())
	dsp.AddCommand(disputeCloseCmd())
	return dsp
}

func disputeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <dispute-id>",
		Short: "Show a dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDispute(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func disputeListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List disputes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []domain.DisputeStatus
			for _, raw := range strings.Split(status, ",") {
				if strings.TrimSpace(raw) == "" {
					continue
				}
				st, err := domain.ParseDisputeStatus(strings.TrimSpace(raw))
				if err != nil {
					return err
				}
				statuses = append(statuses, st)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListDisputes(ctx, statuses...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Executor", "Status", "Arbiter", "Version", "SLA due"})
				for _, d := range list {
					tw.AppendRow(table.Row{d.ID, d.TaskID, d.ExecutorID, d.Status, d.AssignedArbiterID, d.Version, formatTime(d.SLADueAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma separated statuses")
	return cmd
}

func disputeVersionedCmd(use, short string, run func(ctx context.Context, e engine.Engine, id, actorID string, version int64) (domain.Dispute, bool, error)) *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   use + " <dispute-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, changed, err := run(ctx, e, args[0], viper.GetString("actor-id"), version)
				if err != nil {
					return err
				}
				return printDispute(d, changed)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected dispute version")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func disputeDecideCmd() *cobra.Command {
	var opts engine.DecideOptions
	var decision string
	var checked []string
	cmd := &cobra.Command{
		Use:   "decide <dispute-id>",
		Short: "Lock the financial decision and settle the escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseDecisionKind(decision)
			if err != nil {
				return err
			}
			opts.DisputeID = args[0]
			opts.ArbiterID = viper.GetString("actor-id")
			opts.Decision = kind
			opts.Checklist = map[string]bool{}
			for _, item := range checked {
				opts.Checklist[strings.TrimSpace(item)] = true
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Decide(ctx, opts)
				if err != nil {
					return err
				}
				return printDispute(d, true)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.ExpectedVersion, "version", 0, "expected dispute version")
	cmd.Flags().StringVar(&decision, "decision", "", "release_to_executor, refund_to_customer or partial_refund")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "decision comment")
	cmd.Flags().StringSliceVar(&checked, "checked", domain.ReviewChecklist, "completed review checklist items")
	cmd.Flags().Int64Var(&opts.ExecutorAmount, "executor-amount", 0, "cents to the executor (partial_refund)")
	cmd.Flags().Int64Var(&opts.CustomerAmount, "customer-amount", 0, "cents back to the customer (partial_refund)")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func disputeCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <dispute-id>",
		Short: "Close a decided dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, changed, err := e.Close(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printDispute(d, changed)
			})
		},
	}
}

func executorCmd() *cobra.Command {
	ex := &cobra.Command{Use: "executor", Short: "Executor reliability"}
	ex.AddCommand(executorLevelCmd())
	ex.AddCommand(executorViolationsCmd())
	ex.AddCommand(executorCanRespondCmd())
	return ex
}

func executorLevelCmd() *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "level <executor-id>",
		Short: "Sanction level for one violation type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vt, err := domain.ParseViolationType(typ)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				at := clockOf(e)
				level, err := e.LevelForExecutor(ctx, args[0], vt, at)
				if err != nil {
					return err
				}
				out := map[string]any{"executor_id": args[0], "type": vt, "level": level, "at": at}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("%s %s level %d at %s\n", args[0], vt, level, at.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(domain.ViolationNoStart), "violation type")
	return cmd
}

func executorViolationsCmd() *cobra.Command {
	var typ string
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "violations <executor-id>",
		Short: "Violations inside the decay window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var vt domain.ViolationType
			if typ != "" {
				parsed, err := domain.ParseViolationType(typ)
				if err != nil {
					return err
				}
				vt = parsed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ViolationsSince(ctx, args[0], vt, clockOf(e).Add(-window))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Task", "Created"})
				for _, v := range list {
					tw.AppendRow(table.Row{v.ID, v.Type, v.TaskID, v.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "violation type filter")
	cmd.Flags().DurationVar(&window, "window", sanction.DecayPeriod, "look-back window")
	return cmd
}

func executorCanRespondCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "can-respond <executor-id>",
		Short: "Whether the executor may respond to new tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok, r, err := e.CanRespond(ctx, args[0], clockOf(e))
				if err != nil {
					return err
				}
				delta, err := e.RatingDelta(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"executor_id": args[0], "can_respond": ok, "restriction": r, "rating_delta_percent": delta}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("%s can respond: %v (account %s, blocked until %s, rating %+d%%)\n",
					args[0], ok, r.AccountStatus, formatTime(r.RespondBlockedUntil), delta)
				return nil
			})
		},
	}
}

func bannedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "banned",
		Short: "List banned executors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListBanned(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Executor", "Since"})
				for _, r := range list {
					tw.AppendRow(table.Row{r.ExecutorID, r.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func disruptionCmd() *cobra.Command {
	dis := &cobra.Command{
		Use:   "disruption",
		Short: "Platform disruption windows",
		Long:  "While a window is open, enforcement pauses for the affected tasks. Once it ends, the next sweep shifts deadlines by the overlap.",
	}
	dis.AddCommand(disruptionAddCmd())
	dis.AddCommand(disruptionEndCmd())
	dis.AddCommand(disruptionListCmd())
	return dis
}

func disruptionAddCmd() *cobra.Command {
	var kind, start string
	var taskIDs []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Open a disruption window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				at := clockOf(e)
				if start != "" {
					parsed, err := time.Parse(time.RFC3339, start)
					if err != nil {
						return fmt.Errorf("--start must be RFC3339: %w", err)
					}
					at = parsed
				}
				d, err := e.DeclareDisruption(ctx, kind, at, taskIDs)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "disruption kind (defaults to force_majeure)")
	cmd.Flags().StringVar(&start, "start", "", "window start (RFC3339, defaults to now)")
	cmd.Flags().StringSliceVar(&taskIDs, "task", nil, "affected task ids (all tasks when empty)")
	return cmd
}

func disruptionEndCmd() *cobra.Command {
	var end string
	cmd := &cobra.Command{
		Use:   "end <disruption-id>",
		Short: "Close a disruption window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				at := clockOf(e)
				if end != "" {
					parsed, err := time.Parse(time.RFC3339, end)
					if err != nil {
						return fmt.Errorf("--end must be RFC3339: %w", err)
					}
					at = parsed
				}
				d, err := e.EndDisruption(ctx, args[0], at)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&end, "end", "", "window end (RFC3339, defaults to now)")
	return cmd
}

func disruptionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List disruption windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListDisruptions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Start", "End", "Tasks"})
				for _, d := range list {
					tw.AppendRow(table.Row{d.ID, d.Kind, d.StartAt.Format(time.RFC3339), formatTime(d.EndAt), strings.Join(d.AffectedTaskIDs, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printTransition(a domain.Assignment, changed bool) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"assignment": a, "changed": changed})
	}
	state := "unchanged"
	if changed {
		state = "changed"
	}
	fmt.Printf("%s/%s: %s (%s)\n", a.TaskID, a.ExecutorID, a.Status, state)
	if a.ExecutionDeadlineAt != nil {
		fmt.Printf("  deadline %s\n", a.ExecutionDeadlineAt.Format(time.RFC3339))
	}
	return nil
}

func printDispute(d domain.Dispute, changed bool) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"dispute": d, "changed": changed})
	}
	fmt.Printf("dispute %s: %s v%d", d.ID, d.Status, d.Version)
	if d.Decision != "" {
		fmt.Printf(" %s (executor %d, customer %d)", d.Decision, d.ExecutorAmount, d.CustomerAmount)
	}
	if !changed {
		fmt.Print(" (unchanged)")
	}
	fmt.Println()
	return nil
}

func clockOf(e engine.Engine) time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
