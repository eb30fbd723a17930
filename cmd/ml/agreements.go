package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"marketline/internal/domain"
	"marketline/internal/engine"
	"marketline/internal/repo"
)

func agreementCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agreement",
		Aliases: []string{"agreements"},
		Short:   "Review and move agreements through their lifecycle",
	}
	cmd.AddCommand(agreementListCmd())
	cmd.AddCommand(agreementShowCmd())
	cmd.AddCommand(agreementTransitionCmd())
	cmd.AddCommand(agreementCancelCmd())
	cmd.AddCommand(agreementNoteCmd())
	return cmd
}

func agreementListCmd() *cobra.Command {
	var f repo.AgreementFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agreements",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.AgreementStatus(strings.ToUpper(status))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAgreements(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Offer", "Associate", "Status", "Amount", "Start", "Updated")
				for _, ag := range items {
					tw.AppendRow([]any{
						ag.ID, ag.OfferID, ag.AssociateID, ag.Status, money(ag.AgreedAmountCents),
						ag.AgreedStartTime.Format("2006-01-02 15:04"), ago(ag.UpdatedAt),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OfferID, "offer", "", "offer filter")
	cmd.Flags().StringVar(&f.AssociateID, "associate", "", "associate filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func agreementShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agreement-id>",
		Short: "Show an agreement with its negotiation notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ag, err := e.GetAgreement(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ag)
			})
		},
	}
}

func agreementTransitionCmd() *cobra.Command {
	var reason, note string
	var finalAmount int64
	cmd := &cobra.Command{
		Use:       "transition <agreement-id> <approve|reject|start|complete|cancel>",
		Short:     "Apply a lifecycle action",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"approve", "reject", "start", "complete", "cancel"},
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			req := engine.TransitionRequest{
				AgreementID: args[0],
				Action:      domain.AgreementAction(strings.ToLower(args[1])),
				Actor:       actor,
				Reason:      reason,
				Note:        note,
			}
			if cmd.Flags().Changed("final-amount") {
				req.FinalAmountPaidCents = &finalAmount
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ag, err := e.TransitionAgreement(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(ag)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason (reject, cancel)")
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the transition")
	cmd.Flags().Int64Var(&finalAmount, "final-amount", 0, "amount paid in cents (complete)")
	return cmd
}

func agreementCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <agreement-id>",
		Short: "Cancel an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ag, err := e.CancelAgreement(ctx, args[0], reason, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(ag)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func agreementNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note <agreement-id> <text>",
		Short: "Append a negotiation note",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.AddNegotiationNote(ctx, args[0], actor, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func executionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"exec"},
		Short:   "Track work on active agreements",
	}
	cmd.AddCommand(executionShowCmd())
	cmd.AddCommand(executionListCmd())
	cmd.AddCommand(executionActCmd())
	cmd.AddCommand(executionReportCmd())
	return cmd
}

func executionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agreement-id>",
		Short: "Show the execution record of an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
}

func executionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <associate-id>",
		Short: "List an associate's executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListExecutions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Agreement", "Done", "Phase", "Hours", "Expenses", "Paused", "Updated")
				for _, x := range items {
					tw.AppendRow([]any{
						x.AgreementID, fmt.Sprintf("%d%%", x.CompletionPercentage), x.CurrentPhase,
						x.HoursLogged, money(x.ExpensesIncurredCents), x.Paused, ago(x.UpdatedAt),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func executionActCmd() *cobra.Command {
	var p engine.ExecutionParams
	var percentage, rating int
	var severity, quality string
	cmd := &cobra.Command{
		Use:   "act <agreement-id> <action>",
		Short: "Record an execution action",
		Long: `Actions: update_progress, add_milestone, log_time, report_issue, add_expense,
pause, resume, quality_check, location_feedback.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			p.AgreementID = args[0]
			p.Action = domain.ExecutionAction(strings.ToLower(args[1]))
			p.Actor = actor
			p.Severity = domain.IssueSeverity(strings.ToUpper(severity))
			p.QualityStatus = domain.QualityStatus(strings.ToUpper(quality))
			if cmd.Flags().Changed("percentage") {
				p.Percentage = &percentage
			}
			if cmd.Flags().Changed("rating") {
				p.Rating = &rating
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.UpdateExecution(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	cmd.Flags().IntVar(&percentage, "percentage", 0, "completion percentage (update_progress)")
	cmd.Flags().StringVar(&p.Phase, "phase", "", "current phase (update_progress)")
	cmd.Flags().StringVar(&p.Note, "note", "", "note")
	cmd.Flags().StringVar(&p.Text, "text", "", "milestone, issue or feedback text")
	cmd.Flags().Float64Var(&p.Hours, "hours", 0, "hours worked (log_time)")
	cmd.Flags().StringVar(&p.Description, "description", "", "time or expense description")
	cmd.Flags().Int64Var(&p.AmountCents, "amount", 0, "expense amount in cents (add_expense)")
	cmd.Flags().StringVar(&p.Category, "category", "", "expense category (add_expense)")
	cmd.Flags().StringVar(&severity, "severity", "", "LOW, MEDIUM, HIGH or CRITICAL (report_issue)")
	cmd.Flags().StringVar(&p.CheckName, "check", "", "checkpoint name (quality_check)")
	cmd.Flags().StringVar(&quality, "quality", "", "PASSED, FAILED or NEEDS_REVIEW (quality_check)")
	cmd.Flags().IntVar(&rating, "rating", 0, "rating 1-5 (location_feedback)")
	return cmd
}

func executionReportCmd() *cobra.Command {
	var reportType, data string
	cmd := &cobra.Command{
		Use:   "report <agreement-id>",
		Short: "Submit a progress report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			payload := map[string]any{}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.AddProgressReport(ctx, args[0], actor, domain.ReportType(strings.ToUpper(reportType)), payload)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&reportType, "type", "ADHOC", "DAILY, WEEKLY, MILESTONE, FINAL or ADHOC")
	cmd.Flags().StringVar(&data, "data", "", "report body as a JSON object")
	return cmd
}
