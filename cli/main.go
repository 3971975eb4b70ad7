package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"lecnotes/credentials"
	"lecnotes/jobs"
	"lecnotes/pipeline"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "add":
		err = cmdAdd(args)
	case "run":
		err = cmdRun(args)
	case "list":
		err = cmdList(args)
	case "cancel":
		err = cmdCancel(args)
	case "fail-stuck":
		err = cmdFailStuck(args)
	case "usage":
		err = cmdUsage(args)
	case "keys":
		err = cmdKeys(args)
	case "clean":
		err = cmdClean(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `lecnotes - turn recorded lectures into study notes

Usage:
  lecnotes add -names <names> -urls <urls> [-run]   Queue lectures
  lecnotes run [-id <job-id>]                       Process pending jobs
  lecnotes list [-all]                              Show the job table
  lecnotes cancel [-all | <job-id>...]              Cancel jobs
  lecnotes fail-stuck                               Mark interrupted jobs failed
  lecnotes usage                                    Show credential usage
  lecnotes keys add <api-key>...                    Add API keys
  lecnotes keys oauth -file <oauth_creds.json>      Import an OAuth account
  lecnotes clean                                    Delete temp and download leftovers
  lecnotes help                                     Show this help message

Names and URLs may be separated by |, ;, comma or newline. A parenthesised
group of URLs in one slot becomes numbered parts of the same lecture:
  lecnotes add -names "Physics 1; Chem 2" -urls "https://youtu.be/a; (https://youtu.be/b, https://youtu.be/c)"

Every command accepts -config <file>. Settings are also read from
lecnotes.json, ~/.config/lecnotes/lecnotes.json, .env and LECNOTES_* variables.
`)
}

func newFlagSet(name, usage string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Config file (default: lecnotes.json lookup)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lecnotes %s\n\nFlags:\n", usage)
		fs.PrintDefaults()
	}
	return fs, configPath
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdAdd(args []string) error {
	fs, configPath := newFlagSet("add", "add [flags]")
	names := fs.String("names", "", "Lecture names")
	urls := fs.String("urls", "", "Lecture URLs")
	runNow := fs.Bool("run", false, "Process pending jobs right away")
	fs.Parse(args)

	if strings.TrimSpace(*urls) == "" {
		fs.Usage()
		return errors.New("missing -urls")
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, *configPath, *runNow)
	if err != nil {
		return err
	}
	defer a.Close()

	batch := jobs.ParseBatch(*names, *urls)
	if len(batch) == 0 {
		return errors.New("no URLs found")
	}
	if err := a.store.Add(ctx, batch...); err != nil {
		return fmt.Errorf("add jobs: %w", err)
	}
	for _, j := range batch {
		fmt.Printf("queued %s  %s\n", shortID(j.ID), j.Name)
	}

	if !*runNow {
		return nil
	}
	return a.runPending(ctx)
}

func cmdRun(args []string) error {
	fs, configPath := newFlagSet("run", "run [flags]")
	id := fs.String("id", "", "Process only this job")
	fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, *configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if *id == "" {
		return a.runPending(ctx)
	}
	full, err := a.resolveID(ctx, *id)
	if err != nil {
		return err
	}
	if _, err := a.pool.ResetIfWindowElapsed(); err != nil {
		return err
	}
	return a.driver.Run(ctx, full)
}

func cmdList(args []string) error {
	fs, configPath := newFlagSet("list", "list [flags]")
	all := fs.Bool("all", false, "Include finished and cancelled jobs")
	fs.Parse(args)

	ctx := context.Background()
	a, err := openApp(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.store.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCHUNKS\tUPDATED\tDETAIL")
	shown := 0
	for _, j := range list {
		if !*all && !j.Status.IsPending() {
			continue
		}
		shown++
		status := j.Status.String()
		if j.LastGranularState != nil {
			status += " (at " + j.LastGranularState.String() + ")"
		}
		chunks := ""
		if j.ChunkCount > 0 {
			chunks = fmt.Sprintf("%d/%d", len(j.Transcriptions), j.ChunkCount)
		}
		detail := j.Error
		if detail == "" {
			detail = j.Artifact
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(j.ID),
			truncate(j.Name, 40),
			status,
			chunks,
			j.UpdatedAt.Local().Format("2006-01-02 15:04"),
			truncate(detail, 60),
		)
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "\nTotal: %d of %d jobs\n", shown, len(list))
	return nil
}

func cmdCancel(args []string) error {
	fs, configPath := newFlagSet("cancel", "cancel [-all | <job-id>...]")
	all := fs.Bool("all", false, "Cancel every pending job")
	fs.Parse(args)

	if !*all && fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing job id")
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if *all {
		n, err := a.store.CancelPending(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("cancelled %d jobs\n", n)
		return nil
	}
	for _, arg := range fs.Args() {
		id, err := a.resolveID(ctx, arg)
		if err != nil {
			return err
		}
		if err := a.store.Cancel(ctx, id); err != nil {
			return err
		}
		fmt.Printf("cancelled %s\n", shortID(id))
	}
	return nil
}

func cmdFailStuck(args []string) error {
	fs, configPath := newFlagSet("fail-stuck", "fail-stuck")
	fs.Parse(args)

	ctx := context.Background()
	a, err := openApp(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.store.FailPending(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("marked %d interrupted jobs failed\n", n)
	return nil
}

func cmdUsage(args []string) error {
	fs, configPath := newFlagSet("usage", "usage")
	fs.Parse(args)

	a, err := openApp(context.Background(), *configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()

	creds := a.pool.Snapshot()
	if len(creds) == 0 {
		fmt.Println("No credentials. Add one with: lecnotes keys add <api-key>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREDENTIAL\tKIND\tSTATUS\tMODEL\tWINDOW\tLIMIT\tTOTAL\tEXHAUSTED")
	for _, c := range creds {
		models := usageModels(c)
		if len(models) == 0 {
			fmt.Fprintf(w, "%s\t%s\t%s\t-\t0\t\t0\t\n", c.ID(), c.Kind, c.Status)
			continue
		}
		for _, m := range models {
			limit := ""
			if c.Kind == credentials.KindAPIKey {
				if n, ok := a.cfg.QuotaLimits[m]; ok {
					limit = fmt.Sprintf("%d", n)
				}
			}
			exhausted := ""
			if t, ok := c.Exhausted[m]; ok {
				exhausted = t.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
				c.ID(), c.Kind, c.Status, m, c.Usage[m], limit, c.TotalUsage[m], exhausted)
		}
	}
	w.Flush()
	return nil
}

func usageModels(c credentials.Credential) []string {
	seen := make(map[string]bool)
	for m := range c.Usage {
		seen[m] = true
	}
	for m := range c.TotalUsage {
		seen[m] = true
	}
	for m := range c.Exhausted {
		seen[m] = true
	}
	models := make([]string, 0, len(seen))
	for m := range seen {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

func cmdKeys(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: lecnotes keys add <api-key>... | lecnotes keys oauth -file <path>")
	}
	switch args[0] {
	case "add":
		return cmdKeysAdd(args[1:])
	case "oauth":
		return cmdKeysOAuth(args[1:])
	}
	return fmt.Errorf("unknown keys command %q", args[0])
}

func cmdKeysAdd(args []string) error {
	fs, configPath := newFlagSet("keys add", "keys add <api-key>...")
	fs.Parse(args)
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing api key")
	}

	a, err := openApp(context.Background(), *configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, key := range fs.Args() {
		c := credentials.NewAPIKey(strings.TrimSpace(key))
		if err := a.pool.Add(c); err != nil {
			return err
		}
		fmt.Printf("added %s\n", c.ID())
	}
	return nil
}

func cmdKeysOAuth(args []string) error {
	fs, configPath := newFlagSet("keys oauth", "keys oauth [flags]")
	file := fs.String("file", "", "oauth_creds.json written by the Gemini CLI")
	email := fs.String("email", "", "Account email, used to identify the credential")
	project := fs.String("project", "", "Cloud project for Code Assist requests")
	fs.Parse(args)
	if *file == "" {
		fs.Usage()
		return errors.New("missing -file")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	c, err := credentials.ParseCLICredentials(data, *email, *project)
	if err != nil {
		return err
	}

	a, err := openApp(context.Background(), *configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()

	c.ClientID, c.ClientSecret = a.cfg.OAuthClientID, a.cfg.OAuthClientSecret
	if err := a.pool.Add(c); err != nil {
		return err
	}
	fmt.Printf("added %s\n", c.ID())
	return nil
}

func cmdClean(args []string) error {
	fs, configPath := newFlagSet("clean", "clean")
	fs.Parse(args)

	a, err := openApp(context.Background(), *configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := pipeline.CleanAll(a.cfg.TempDir, a.cfg.DownloadDir, a.logger)
	fmt.Printf("removed %d files\n", n)
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= maxLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxLen-3]) + "..."
}

func elapsed(start time.Time) string {
	return time.Since(start).Round(time.Second).String()
}
