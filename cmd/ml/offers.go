package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"marketline/internal/domain"
	"marketline/internal/engine"
	"marketline/internal/repo"
)

func offerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "offer",
		Aliases: []string{"offers"},
		Short:   "Post and browse service offers",
	}
	cmd.AddCommand(offerCreateCmd())
	cmd.AddCommand(offerListCmd())
	cmd.AddCommand(offerShowCmd())
	cmd.AddCommand(offerUpdateCmd())
	cmd.AddCommand(offerCancelCmd())
	cmd.AddCommand(offerApplyCmd())
	return cmd
}

type offerFlags struct {
	title, description, urgency, payment, instructions string
	start, latestStart, completeBy, expires            string
	amount                                             int64
	duration                                           float64
	preferred, excluded, certifications                []string
	minExperience, maxApplicants                       int
}

func (f *offerFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "offer title (defaults to the service name)")
	cmd.Flags().StringVar(&f.description, "description", "", "description")
	cmd.Flags().StringVar(&f.urgency, "urgency", "", "LOW, NORMAL, HIGH or URGENT")
	cmd.Flags().StringVar(&f.payment, "payment", "", "FIXED, HOURLY or MILESTONE")
	cmd.Flags().StringVar(&f.instructions, "instructions", "", "instructions for the associate")
	cmd.Flags().StringVar(&f.start, "start", "", "preferred start date (RFC3339)")
	cmd.Flags().StringVar(&f.latestStart, "latest-start", "", "latest acceptable start (RFC3339)")
	cmd.Flags().StringVar(&f.completeBy, "complete-by", "", "completion deadline (RFC3339)")
	cmd.Flags().StringVar(&f.expires, "expires", "", "offer expiry (RFC3339)")
	cmd.Flags().Int64Var(&f.amount, "amount", 0, "offered amount in cents")
	cmd.Flags().Float64Var(&f.duration, "duration", 0, "estimated duration in hours")
	cmd.Flags().StringSliceVar(&f.preferred, "preferred", nil, "preferred associate ids")
	cmd.Flags().StringSliceVar(&f.excluded, "excluded", nil, "excluded associate ids")
	cmd.Flags().StringSliceVar(&f.certifications, "certification", nil, "required certifications")
	cmd.Flags().IntVar(&f.minExperience, "min-experience", 0, "minimum experience level")
	cmd.Flags().IntVar(&f.maxApplicants, "max-applicants", 0, "applicant slots (default from config)")
}

func (f *offerFlags) times() (start, latest, completeBy, expires *time.Time, err error) {
	if start, err = parseTimeFlag("start", f.start); err != nil {
		return
	}
	if latest, err = parseTimeFlag("latest-start", f.latestStart); err != nil {
		return
	}
	if completeBy, err = parseTimeFlag("complete-by", f.completeBy); err != nil {
		return
	}
	expires, err = parseTimeFlag("expires", f.expires)
	return
}

func offerCreateCmd() *cobra.Command {
	var f offerFlags
	var serviceID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post an offer as the acting location",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			start, latest, completeBy, expires, err := f.times()
			if err != nil {
				return err
			}
			if start == nil {
				return fmt.Errorf("--start required")
			}
			spec := engine.OfferSpec{
				ServiceID:              serviceID,
				LocationID:             actor.ID,
				Title:                  f.title,
				Description:            f.description,
				Urgency:                domain.Urgency(strings.ToUpper(f.urgency)),
				PreferredStartDate:     *start,
				LatestStartDate:        latest,
				MustCompleteBy:         completeBy,
				ExpiresAt:              expires,
				OfferedAmountCents:     f.amount,
				PaymentStructure:       domain.PaymentStructure(strings.ToUpper(f.payment)),
				Instructions:           f.instructions,
				PreferredAssociates:    f.preferred,
				ExcludedAssociates:     f.excluded,
				MinimumExperienceLevel: f.minExperience,
				RequiredCertifications: f.certifications,
				MaxApplicants:          f.maxApplicants,
				CreatedBy:              actor.ID,
			}
			if cmd.Flags().Changed("duration") {
				spec.EstimatedDurationHours = &f.duration
			}
			if actor.Kind != domain.ActorLocation {
				return fmt.Errorf("only locations post offers")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CreateOffer(ctx, spec)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&serviceID, "service", "", "catalog service id")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func offerListCmd() *cobra.Command {
	var q engine.OfferQuery
	var status, urgency string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List offers, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Status = domain.OfferStatus(strings.ToUpper(status))
			q.Urgency = domain.Urgency(strings.ToUpper(urgency))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				offers, err := e.ListOffers(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(offers)
				}
				tw := newTable("ID", "Title", "Location", "Status", "Amount", "Slots", "Starts", "Expires")
				for _, o := range offers {
					expires := ""
					if o.ExpiresAt != nil {
						expires = ago(*o.ExpiresAt)
					}
					tw.AppendRow([]any{
						o.ID, o.Title, o.LocationID, o.Status, money(o.OfferedAmountCents),
						fmt.Sprintf("%d/%d", o.CurrentApplicants, o.MaxApplicants),
						o.PreferredStartDate.Format(time.RFC3339), expires,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.LocationID, "location", "", "location filter")
	cmd.Flags().StringVar(&q.ServiceID, "service", "", "service filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&urgency, "urgency", "", "urgency filter")
	cmd.Flags().StringVar(&q.AssociateID, "eligible-for", "", "only offers this associate may apply to")
	cmd.Flags().BoolVar(&q.IncludeExpired, "include-expired", false, "include expired offers")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "page size (default from config)")
	return cmd
}

func offerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <offer-id>",
		Short: "Show an offer and its agreements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.GetOffer(ctx, args[0])
				if err != nil {
					return err
				}
				ags, err := e.ListAgreements(ctx, repo.AgreementFilters{OfferID: o.ID})
				if err != nil {
					return err
				}
				return printJSONOrTable(struct {
					Offer      domain.ServiceOffer       `json:"offer"`
					Agreements []domain.ServiceAgreement `json:"agreements"`
				}{o, ags})
			})
		},
	}
}

func offerUpdateCmd() *cobra.Command {
	var f offerFlags
	cmd := &cobra.Command{
		Use:   "update <offer-id>",
		Short: "Change an OPEN offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			start, latest, completeBy, expires, err := f.times()
			if err != nil {
				return err
			}
			changed := cmd.Flags().Changed
			var p engine.OfferPatch
			if changed("title") {
				p.Title = &f.title
			}
			if changed("description") {
				p.Description = &f.description
			}
			if changed("urgency") {
				u := domain.Urgency(strings.ToUpper(f.urgency))
				p.Urgency = &u
			}
			if changed("payment") {
				ps := domain.PaymentStructure(strings.ToUpper(f.payment))
				p.PaymentStructure = &ps
			}
			if changed("instructions") {
				p.Instructions = &f.instructions
			}
			p.PreferredStartDate = start
			p.LatestStartDate = latest
			p.MustCompleteBy = completeBy
			p.ExpiresAt = expires
			if changed("amount") {
				p.OfferedAmountCents = &f.amount
			}
			if changed("duration") {
				p.EstimatedDurationHours = &f.duration
			}
			if changed("preferred") {
				p.PreferredAssociates = &f.preferred
			}
			if changed("excluded") {
				p.ExcludedAssociates = &f.excluded
			}
			if changed("certification") {
				p.RequiredCertifications = &f.certifications
			}
			if changed("min-experience") {
				p.MinimumExperienceLevel = &f.minExperience
			}
			if changed("max-applicants") {
				p.MaxApplicants = &f.maxApplicants
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.UpdateOffer(ctx, args[0], actor, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func offerCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <offer-id>",
		Short: "Cancel an offer and its pending applications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CancelOffer(ctx, args[0], actor, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func offerApplyCmd() *cobra.Command {
	var req engine.ApplyRequest
	var start string
	var duration float64
	cmd := &cobra.Command{
		Use:   "apply <offer-id>",
		Short: "Apply for an offer as the acting associate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			if actor.Kind != domain.ActorAssociate {
				return fmt.Errorf("only associates apply for offers")
			}
			t, err := parseTimeFlag("start", start)
			if err != nil {
				return err
			}
			if t == nil {
				return fmt.Errorf("--start required")
			}
			req.OfferID = args[0]
			req.AssociateID = actor.ID
			req.AgreedStartTime = *t
			if cmd.Flags().Changed("duration") {
				req.DurationHours = &duration
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ag, err := e.ApplyForOffer(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(ag)
			})
		},
	}
	cmd.Flags().Int64Var(&req.AgreedAmountCents, "amount", 0, "proposed amount in cents")
	cmd.Flags().StringVar(&start, "start", "", "proposed start time (RFC3339)")
	cmd.Flags().Float64Var(&duration, "duration", 0, "expected duration in hours")
	cmd.Flags().StringSliceVar(&req.Deliverables, "deliverable", nil, "deliverables")
	cmd.Flags().StringVar(&req.Instructions, "instructions", "", "instructions")
	cmd.Flags().StringVar(&req.Note, "note", "", "opening negotiation note")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
