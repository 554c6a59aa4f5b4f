package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"caseline/internal/app"
	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/migrate"
	"caseline/internal/reference"
	"caseline/internal/repo"
	"caseline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "caseline",
	Short: "Caseline CLI",
	Long: `Caseline runs licensing cases from application to issued licence.
Core concepts:
- Case: an import application, export application or access request moving through a fixed lifecycle (IN_PROGRESS, SUBMITTED, PROCESSING ... COMPLETED, REFUSED, REVOKED).
- Task: the ledger of who must act next (prepare, process, ack). Exactly one task of a type is active at a time.
- Document pack: the licence or certificate issued for a case. One draft, one active, the rest archived.
- References: case, licence, certificate and mailshot numbers. Never reused, never skipped on success.
- Event log: every transition is recorded, view with 'caseline log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", cliMessage(err))
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.String("config", "", "config file (default <workspace>/caseline.yml)")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "local-user", "actor identifier")
	pf.String("db-driver", "", "database driver override (sqlite|postgres)")
	pf.String("db-dsn", "", "database DSN override")
	pf.String("log-level", "", "log level override")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "db-driver", "db-dsn", "log-level"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(packCmd())
	rootCmd.AddCommand(referenceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func options() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Driver:     viper.GetString("db-driver"),
		DSN:        viper.GetString("db-dsn"),
		LogLevel:   viper.GetString("log-level"),
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, options())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				hist, err := migrate.History(ctx, rt.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(hist)
				}
				fmt.Printf("database ready (%s)\n", driverName(rt.Config))
				tw := newTable()
				tw.AppendHeader(table.Row{"Version", "Name", "Applied"})
				for _, m := range hist {
					tw.AppendRow(table.Row{m.Version, m.Name, m.AppliedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func driverName(cfg *config.Config) string {
	if cfg.Database.Driver == "" {
		return "sqlite"
	}
	return cfg.Database.Driver
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage caseline.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default caseline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
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
			cfg, err := app.LoadConfig(options())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(options())
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "case",
		Short: "Create, inspect and move cases",
	}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseTransitionCmd())
	c.AddCommand(caseActiveCmd("deactivate", false))
	c.AddCommand(caseActiveCmd("reactivate", true))
	return c
}

func caseCreateCmd() *cobra.Command {
	var opts engine.CreateCaseOptions
	var caseType string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.OrganisationID == "" {
				return fmt.Errorf("--org required")
			}
			opts.CaseType = domain.CaseType(caseType)
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCase(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("created %s case %s\n", c.CaseType, c.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseType, "type", "import", "case type (import|export|access)")
	cmd.Flags().StringVar(&opts.ProcessType, "process-type", "", "process type, selects the licence prefix")
	cmd.Flags().StringVar(&opts.OrganisationID, "org", "", "applicant organisation id")
	cmd.Flags().StringVar(&opts.ID, "id", "", "case id (default: generated)")
	return cmd
}

func caseListCmd() *cobra.Command {
	var f repo.CaseFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cases, err := e.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Reference", "Officer", "Organisation", "Active"})
				for _, c := range cases {
					tw.AppendRow(table.Row{c.ID, c.CaseType, c.Status, domain.Deref(c.Reference), domain.Deref(c.CaseOfficerID), c.OrganisationID, c.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.CaseType, "type", "", "case type filter")
	cmd.Flags().StringVar(&f.OrganisationID, "org", "", "organisation filter")
	cmd.Flags().StringVar(&f.OfficerID, "officer", "", "case officer filter")
	cmd.Flags().BoolVar(&f.IncludeRetired, "all", false, "include deactivated cases")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case and the events it accepts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(view)
			})
		},
	}
}

func caseTransitionCmd() *cobra.Command {
	var decision, reason, dataJSON string
	var pack domain.DecisionData
	cmd := &cobra.Command{
		Use:   "transition <case-id> <event>",
		Short: "Apply a lifecycle event",
		Long:  "Events: " + joinEvents(domain.EventNames()) + ". complete needs --decision approve|refuse.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataJSON != "" {
				if err := json.Unmarshal([]byte(dataJSON), &pack.Data); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}
			ev := workflow.Event{
				Name:     domain.EventName(args[1]),
				Decision: domain.Decision(decision),
				ActorID:  viper.GetString("actor-id"),
				Pack:     pack,
				Reason:   reason,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Transition(ctx, args[0], ev)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s -> %s\n", res.Case.ID, res.From, res.To)
				if res.Pack != nil && res.Pack.Reference != nil {
					fmt.Printf("%s %s %s\n", res.Pack.Kind, *res.Pack.Reference, res.Pack.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approve or refuse (complete only)")
	cmd.Flags().StringVar(&reason, "reason", "", "free-text reason (revoke, withdraw, stop)")
	cmd.Flags().StringVar(&pack.IssueDate, "issue-date", "", "licence issue date YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&pack.ExpiryDate, "expiry-date", "", "licence expiry date YYYY-MM-DD")
	cmd.Flags().BoolVar(&pack.PaperOnly, "paper-only", false, "issue a paper licence reference")
	cmd.Flags().StringVar(&dataJSON, "data", "", "extra document data as a JSON object")
	return cmd
}

func caseActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <case-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SetActive(ctx, args[0], active, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("%s active=%t\n", c.ID, c.IsActive)
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Inspect a case's task ledger",
	}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskCurrentCmd())
	return t
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <case-id>",
		Short: "List every task of a case, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Tasks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Type", "Active", "Owner", "Created", "Finished"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.Ordinal, t.TaskType, t.IsActive, domain.Deref(t.OwnerID), t.CreatedAt, domain.Deref(t.FinishedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskCurrentCmd() *cobra.Command {
	var taskType string
	cmd := &cobra.Command{
		Use:   "current <case-id>",
		Short: "Show the active task of a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, ok, err := e.CurrentTask(ctx, args[0], domain.TaskType(taskType))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no active %s task on %s", taskType, args[0])
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&taskType, "type", string(domain.TaskProcess), "task type (prepare|process|ack)")
	return cmd
}

func packCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "pack",
		Short: "Inspect issued licences and certificates",
	}
	p.AddCommand(packListCmd())
	p.AddCommand(packActiveCmd())
	return p
}

func packListCmd() *cobra.Command {
	var issued bool
	cmd := &cobra.Command{
		Use:   "list <case-id>",
		Short: "Document pack history, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					packs []domain.DocumentPack
					err   error
				)
				if issued {
					packs, err = e.IssuedPacks(ctx, args[0])
				} else {
					packs, err = e.PackHistory(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(packs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Rev", "Kind", "Status", "Reference", "Case Ref", "Issued", "Expires"})
				for _, p := range packs {
					tw.AppendRow(table.Row{p.Revision, p.Kind, p.Status, domain.Deref(p.Reference), domain.Deref(p.CaseReference), domain.Deref(p.IssueDate), domain.Deref(p.ExpiryDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&issued, "issued", false, "only packs that were issued")
	return cmd
}

func packActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active <case-id>",
		Short: "Show the pack currently in force",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, ok, err := e.ActivePack(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s has no active document pack", args[0])
				}
				return printJSON(p)
			})
		},
	}
}

func referenceCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "reference",
		Short: "Allocate and inspect reference numbers",
	}
	r.AddCommand(&cobra.Command{
		Use:   "mailshot",
		Short: "Allocate the next mailshot reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ref, err := e.MailshotReference(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Println(ref)
				return nil
			})
		},
	})
	r.AddCommand(&cobra.Command{
		Use:   "last <category>",
		Short: "Show the latest number issued for a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.LastReference(ctx, reference.Category(args[0]))
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			})
		},
	})
	return r
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every transition, allocation and deactivation, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Events(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Case", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.CaseID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.CaseID, "case", "", "case id filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	return cmd
}

// --- helpers ---

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinEvents(evts []domain.EventName) string {
	parts := make([]string, len(evts))
	for i, e := range evts {
		parts[i] = string(e)
	}
	return strings.Join(parts, ", ")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// cliMessage keeps the detail of rejected transitions and hides breach internals.
func cliMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, repo.ErrNotFound):
		return err.Error()
	case domain.IsInvariantBreach(err), errors.Is(err, domain.ErrLockTimeout):
		return domain.UserMessage(err)
	}
	return err.Error()
}
