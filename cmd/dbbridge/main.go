package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"dbbridge/internal/backend"
	"dbbridge/internal/config"
	"dbbridge/internal/diff"
	"dbbridge/internal/facade"
	"dbbridge/internal/history"
	"dbbridge/internal/logging"
	"dbbridge/internal/migrate"
	"dbbridge/internal/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "migrate":
		if err := migrateCmd(args); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "diff":
		if err := diffCmd(args); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "status":
		if err := statusCmd(args); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "tables":
		if err := tablesCmd(args); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`dbbridge commands:
  migrate  - apply a declared target schema to the live backend
  diff     - show the difference between live and declared schemas
  status   - show recent migration history records
  tables   - list tables on the live backend

Flags are command specific; run "<cmd> -h" for details.`)
}

func migrateCmd(args []string) error {
	fs := flagSet("migrate")
	target := fs.String("target", "", "path to the target schema document")
	dryRun := fs.Bool("dry-run", false, "preview the plan without executing")
	autoApprove := fs.Bool("auto-approve", false, "skip the confirmation prompt")
	table := fs.String("schema", "", "restrict the migration to one logical table")
	version := fs.String("version", "", "version string recorded in history")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *target == "" {
		return fmt.Errorf("-target is required")
	}

	conf := config.Load()
	logger := logging.NewLogger(conf.LogLevel, conf.LogFormat)
	doc, err := schema.Load(*target)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ad, cfg, err := openBackend(ctx, doc, logger)
	if err != nil {
		return err
	}
	defer ad.Close()

	exec := migrate.New(ad, history.ForBackend(ad, cfg, logger), logger)
	res, err := exec.Run(ctx, doc, migrate.Options{
		DryRun:      *dryRun,
		AutoApprove: *autoApprove,
		Table:       *table,
		Version:     *version,
		AppliedBy:   conf.AppliedBy,
		Confirm:     confirmPlan,
		Render:      renderPlan,
	})
	if err != nil {
		return err
	}

	switch {
	case res.NoOp:
		fmt.Println("Schema is up to date; nothing to do.")
	case res.State == migrate.StatePreviewed:
		fmt.Println(res.Preview)
		fmt.Println("Dry run: no operations executed.")
	case res.State == migrate.StateCancelled:
		fmt.Println("Migration cancelled.")
	default:
		fmt.Printf("Migration committed: %d operations.\n", res.Operations)
	}
	return nil
}

func diffCmd(args []string) error {
	fs := flagSet("diff")
	target := fs.String("target", "", "path to the target schema document")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *target == "" {
		return fmt.Errorf("-target is required")
	}

	conf := config.Load()
	logger := logging.NewLogger(conf.LogLevel, conf.LogFormat)
	doc, err := schema.Load(*target)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ad, cfg, err := openBackend(ctx, doc, logger)
	if err != nil {
		return err
	}
	defer ad.Close()

	exec := migrate.New(ad, history.ForBackend(ad, cfg, logger), logger)
	live, err := exec.IntrospectLive(ctx)
	if err != nil {
		return err
	}
	d := diff.Compare(live, doc.Snapshot())
	if !d.HasChanges() {
		fmt.Println("Schemas match.")
		return nil
	}
	fmt.Println(migrate.Preview(d))
	return nil
}

func statusCmd(args []string) error {
	fs := flagSet("status")
	target := fs.String("target", "", "path to the schema document")
	limit := fs.Int("limit", 10, "number of history records to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *target == "" {
		return fmt.Errorf("-target is required")
	}

	conf := config.Load()
	logger := logging.NewLogger(conf.LogLevel, conf.LogFormat)
	doc, err := schema.Load(*target)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ad, cfg, err := openBackend(ctx, doc, logger)
	if err != nil {
		return err
	}
	defer ad.Close()

	recs, err := history.ForBackend(ad, cfg, logger).List(ctx, *limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No migration history.")
		return nil
	}
	for _, rec := range recs {
		fmt.Printf("%s  %s  %s -> %s  %s  %s\n",
			rec.AppliedAt.Format(time.RFC3339), rec.Status,
			orDash(rec.FromVersion), orDash(rec.ToVersion),
			rec.ChangesSummary, orDash(rec.AppliedBy))
	}
	return nil
}

func tablesCmd(args []string) error {
	fs := flagSet("tables")
	target := fs.String("target", "", "path to the schema document")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *target == "" {
		return fmt.Errorf("-target is required")
	}

	conf := config.Load()
	logger := logging.NewLogger(conf.LogLevel, conf.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	f := facade.New(conf, nil, logger)
	resp, err := f.Do(ctx, facade.Request{Model: *target, Action: facade.ActionListTables})
	if err != nil {
		return err
	}
	for _, name := range resp.Tables {
		fmt.Println(name)
	}
	return nil
}

func openBackend(ctx context.Context, doc *schema.Document, logger *slog.Logger) (backend.Adapter, backend.Config, error) {
	dsn, source, err := config.ResolveConnection(doc)
	if err != nil {
		return nil, backend.Config{}, err
	}
	if source == config.SourceLiteral {
		logger.Warn("schema document embeds a literal connection string; move credentials to an environment variable",
			"schema", doc.Name)
	}
	cfg := backend.Config{Type: doc.Metadata.Type, DSN: dsn, Label: doc.Metadata.Label, Schema: doc}
	ad, err := backend.Open(cfg, logger)
	if err != nil {
		return nil, backend.Config{}, err
	}
	if err := ad.Connect(ctx); err != nil {
		return nil, backend.Config{}, err
	}
	return ad, cfg, nil
}

func confirmPlan(preview string, destructive bool) (bool, error) {
	renderPlan(preview, destructive)
	return promptYes("Type YES to proceed: ")
}

func renderPlan(preview string, destructive bool) {
	fmt.Println(preview)
	if destructive {
		fmt.Println("This plan contains DESTRUCTIVE changes.")
	}
}

func promptYes(prompt string) (bool, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), "YES"), nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	return fs
}
