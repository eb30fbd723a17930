package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"marketline/internal/app"
	"marketline/internal/db"
	"marketline/internal/domain"
	"marketline/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Marketline CLI",
	Long: `Marketline coordinates a service marketplace between locations and associates.
Core concepts:
- Workspace: a directory holding marketline.db and an optional marketline.yml.
- Catalog: the services locations can post offers for (ml catalog import).
- Offers: a location's request for a service, with a price, a start date and a number of applicant slots.
- Agreements: an associate's application to an offer; statuses go PROPOSED -> ACCEPTED -> ACTIVE -> COMPLETED (CANCELLED is the exit).
- Executions: the work record of an ACTIVE agreement: progress, milestones, time, expenses, issues and feedback.
- Expiry: offers past expires_at become EXPIRED when touched or when the sweeper runs.
- Event log: every change, view with 'ml log tail'.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MARKETLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting associate or location id")
	rootCmd.PersistentFlags().String("actor-kind", "location", "acting party kind (location or associate)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-kind", rootCmd.PersistentFlags().Lookup("actor-kind"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(offerCmd())
	rootCmd.AddCommand(agreementCmd())
	rootCmd.AddCommand(executionCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func withWorkspace(fn func(*app.Workspace) error) error {
	ws, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ws)
}

// currentActor builds the acting party from --actor-id and --actor-kind.
func currentActor() (domain.Actor, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return domain.Actor{}, fmt.Errorf("--actor-id (or MARKETLINE_ACTOR_ID) required")
	}
	switch kind := domain.ActorKind(viper.GetString("actor-kind")); kind {
	case domain.ActorAssociate, domain.ActorLocation:
		return domain.Actor{ID: id, Kind: kind}, nil
	default:
		return domain.Actor{}, fmt.Errorf("--actor-kind must be location or associate, got %q", kind)
	}
}

func describe(err error) string {
	if kind := domain.KindOf(err); kind != "" {
		return fmt.Sprintf("%s (%s)", err.Error(), domain.Code(kind))
	}
	return err.Error()
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

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func money(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%s.%02d", sign, humanize.Comma(cents/100), cents%100)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return humanize.Time(t)
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("--%s: expected RFC3339 time: %w", name, err)
	}
	return &t, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
