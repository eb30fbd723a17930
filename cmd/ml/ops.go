package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"marketline/internal/app"
	"marketline/internal/catalog"
	"marketline/internal/config"
	"marketline/internal/domain"
	"marketline/internal/engine"
	"marketline/internal/repo"
	"marketline/internal/server"
	"marketline/internal/sweep"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage marketline.yml",
		Long:  "marketline.yml holds engine limits, the expiry sweeper, server and webhook settings. Every key is optional.",
	}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default marketline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate marketline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the service catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <catalog.toml>",
		Short: "Create or replace services from a TOML catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := catalog.Import(ctx, e, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("imported %d services\n", n)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Print the catalog as TOML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				services, err := e.ListServices(ctx, false)
				if err != nil {
					return err
				}
				return catalog.Write(os.Stdout, services)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				services, err := e.ListServices(ctx, false)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(services)
				}
				tw := newTable("ID", "Code", "Name", "Tier", "Hours", "Base rate", "Active")
				for _, s := range services {
					tw.AppendRow([]any{s.ID, s.Code, s.Name, s.ComplexityTier, s.EstimatedDurationHours, money(s.SuggestedBaseRateCents), s.Active})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage associate eligibility profiles",
	}
	var experience int
	var certs []string
	set := &cobra.Command{
		Use:   "set <associate-id>",
		Short: "Set experience level and certifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpsertProfile(ctx, domain.AssociateProfile{
					AssociateID:     args[0],
					ExperienceLevel: experience,
					Certifications:  certs,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	set.Flags().IntVar(&experience, "experience", 0, "experience level")
	set.Flags().StringSliceVar(&certs, "certification", nil, "certifications held")
	cmd.AddCommand(set)
	cmd.AddCommand(&cobra.Command{
		Use:   "show <associate-id>",
		Short: "Show a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProfile(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	return cmd
}

func sweepCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire every offer past its expiry time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				if !cmd.Flags().Changed("batch") {
					batch = ws.Config.Expiry.SweepBatch
				}
				n, err := sweep.Once(cmd.Context(), ws.Engine, batch)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"expired": n})
				}
				fmt.Printf("expired %d offers\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "offers per transaction (default from config)")
	return cmd
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check applicant counts against agreements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				drifts, err := e.AuditCapacity(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(drifts)
				}
				if len(drifts) == 0 {
					fmt.Println("capacity OK")
					return nil
				}
				tw := newTable("Offer", "Recorded", "Actual", "Max")
				for _, d := range drifts {
					tw.AppendRow([]any{d.OfferID, d.Recorded, d.Actual, d.MaxApplicants})
				}
				tw.Render()
				return fmt.Errorf("%d offers have drifted applicant counts", len(drifts))
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every offer, agreement, execution, catalog and profile change, newest first.",
	}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "When", "Type", "Entity", "Actor")
				for _, evt := range events {
					tw.AppendRow([]any{evt.ID, ago(evt.TS), evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.AddCommand(tail)
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the acting party",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := currentActor()
			if err != nil {
				return err
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			now := time.Now()
			claims := jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)}
			if ttl > 0 {
				claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
			}
			token, err := server.IssueToken(jwtSecret(cfg), actor, claims)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

// jwtSecret prefers MARKETLINE_JWT_SECRET over server.jwt_secret.
func jwtSecret(cfg *config.Config) string {
	if s := viper.GetString("jwt-secret"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}
