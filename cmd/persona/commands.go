package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pinchen147/twitter-persona-agents/internal/account"
	"github.com/pinchen147/twitter-persona-agents/internal/config"
	"github.com/pinchen147/twitter-persona-agents/internal/ingest"
	"github.com/pinchen147/twitter-persona-agents/internal/knowledge"
	"github.com/pinchen147/twitter-persona-agents/internal/retrieval"
	"github.com/pinchen147/twitter-persona-agents/internal/safety"
	"github.com/pinchen147/twitter-persona-agents/internal/storage"
)

// --- scheduler control ---

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause automated posting, keeping scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return schedulerAction(cmd.Context(), "/scheduler/pause", "paused")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume automated posting",
	RunE: func(cmd *cobra.Command, args []string) error {
		return schedulerAction(cmd.Context(), "/scheduler/resume", "resumed")
	},
}

func schedulerAction(ctx context.Context, path, verb string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(ctx, path, nil)
	if err != nil {
		return err
	}
	var result struct {
		State string `json:"state"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Scheduler %s (state: %s)", verb, result.State)
	return nil
}

// --- emergency stop ---

var emergencyStopCmd = &cobra.Command{
	Use:   "emergency-stop",
	Short: "Block all automated posting until released",
	Long: `Engage the process-wide emergency stop. Scheduled and catch-up jobs check
it before running, and manual posts are refused while it is engaged.

Examples:
  persona emergency-stop --reason "bad outputs on account main"
  persona emergency-stop --release`,
	RunE: func(cmd *cobra.Command, args []string) error {
		release, _ := cmd.Flags().GetBool("release")
		reason, _ := cmd.Flags().GetString("reason")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]string{"reason": reason}
		send := client.post
		if release {
			send = client.delete
		}
		resp, err := send(cmd.Context(), "/emergency-stop", body)
		if err != nil {
			return err
		}

		var result struct {
			Changed bool `json:"changed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		switch {
		case release && result.Changed:
			printSuccess("Emergency stop released")
		case release:
			printWarning("Emergency stop was not engaged")
		case result.Changed:
			printSuccess("Emergency stop engaged")
		default:
			printWarning("Emergency stop was already engaged")
		}
		return nil
	},
}

func init() {
	emergencyStopCmd.Flags().Bool("release", false, "release the emergency stop")
	emergencyStopCmd.Flags().String("reason", "", "reason recorded in the event log")
}

// --- posting ---

var postNowCmd = &cobra.Command{
	Use:   "post-now <account>",
	Short: "Generate and publish a post for an account right away",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/accounts/"+url.PathEscape(args[0])+"/post", nil)
		if err != nil {
			return err
		}
		var result struct {
			JobID string    `json:"job_id"`
			RunAt time.Time `json:"run_at"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Kind == "conflict_error" {
				printWarning("Check 'persona status': the scheduler must be running and the emergency stop released")
			}
			return err
		}
		printSuccess("Scheduled %s at %s", result.JobID, result.RunAt.Local().Format(time.Kitchen))
		return nil
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview <account>",
	Short: "Generate a post without publishing or recording it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		persona, _ := cmd.Flags().GetString("persona")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Generating preview for %s...", args[0])
		resp, err := client.post(cmd.Context(), "/accounts/"+url.PathEscape(args[0])+"/preview",
			map[string]string{"persona": persona})
		if err != nil {
			return err
		}

		var result struct {
			Text         string `json:"text"`
			CharCount    int    `json:"char_count"`
			SourceTitle  string `json:"source_title"`
			ContextCount int    `json:"context_count"`
			WasShortened bool   `json:"was_shortened"`
			Safe         bool   `json:"safe"`
			FilterLayer  string `json:"filter_layer"`
			FilterReason string `json:"filter_reason"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Printf("\n%s\n\n", result.Text)
		printStatus("Characters", "%d", result.CharCount)
		printStatus("Source", "%s", result.SourceTitle)
		printStatus("Context", "%d fragments", result.ContextCount)
		if result.WasShortened {
			printStatus("Shortened", "yes")
		}
		if !result.Safe {
			printWarning("Would be filtered (%s: %s)", result.FilterLayer, result.FilterReason)
		}
		return nil
	},
}

func init() {
	previewCmd.Flags().String("persona", "", "persona text to use instead of the account's")
}

var postsCmd = &cobra.Command{
	Use:   "posts",
	Short: "List recent post records",
	RunE: func(cmd *cobra.Command, args []string) error {
		acct, _ := cmd.Flags().GetString("account")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		if acct != "" {
			q.Set("account", acct)
		}
		q.Set("limit", fmt.Sprint(limit))
		resp, err := client.get(cmd.Context(), "/posts?"+q.Encode())
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			var raw any
			if err := decodeJSON(resp, &raw); err != nil {
				return err
			}
			return printJSON(raw)
		}

		var posts []struct {
			CreatedAt time.Time `json:"created_at"`
			AccountID string    `json:"account_id"`
			Text      string    `json:"text"`
			Status    string    `json:"status"`
			Error     string    `json:"error"`
		}
		if err := decodeJSON(resp, &posts); err != nil {
			return err
		}
		if len(posts) == 0 {
			fmt.Println("No posts found.")
			return nil
		}
		for _, p := range posts {
			line := p.Text
			if line == "" {
				line = p.Error
			}
			fmt.Printf("%s  %-12s %s %s\n",
				colorize(colorCyan, p.CreatedAt.Local().Format("2006-01-02 15:04")),
				p.AccountID, statusLabel(p.Status), truncateRunes(line, 80))
		}
		return nil
	},
}

func init() {
	postsCmd.Flags().String("account", "", "only show this account")
	postsCmd.Flags().Int("limit", 20, "maximum number of records")
	postsCmd.Flags().Bool("json", false, "print the records as JSON")
}

func statusLabel(status string) string {
	padded := fmt.Sprintf("%-17s", status)
	switch status {
	case string(storage.StatusSuccess):
		return colorize(colorGreen, padded)
	case string(storage.StatusPartialSuccess), string(storage.StatusSimulated), string(storage.StatusFiltered):
		return colorize(colorYellow, padded)
	default:
		return colorize(colorRed, padded)
	}
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest documents into a knowledge partition",
	Long: `Chunk, embed and store documents in a knowledge partition. Runs in this
process and returns when the queue is drained.

Examples:
  persona ingest --partition stoic --file ./letters.md
  persona ingest --partition stoic --pdf ./meditations.pdf
  persona ingest --partition stoic --url https://example.com/essay
  persona ingest --partition stoic --dir ./corpus`,
	RunE: func(cmd *cobra.Command, args []string) error {
		partition, _ := cmd.Flags().GetString("partition")
		file, _ := cmd.Flags().GetString("file")
		pdf, _ := cmd.Flags().GetString("pdf")
		link, _ := cmd.Flags().GetString("url")
		dir, _ := cmd.Flags().GetString("dir")
		title, _ := cmd.Flags().GetString("title")

		if partition == "" {
			return fmt.Errorf("--partition is required")
		}
		if file == "" && pdf == "" && link == "" && dir == "" {
			return fmt.Errorf("one of --file, --pdf, --url, or --dir is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log)
		ctx := cmd.Context()

		store, fragments, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		emb, err := newEmbedder(ctx, cfg.Embedding, os.Stderr)
		if err != nil {
			return err
		}
		worker := newIngestWorker(cfg, store, emb, fragments)

		var docs []storage.SourceDocument
		switch {
		case dir != "":
			docs, err = ingest.EnqueueDir(ctx, store, partition, dir)
		case pdf != "":
			docs, err = enqueueOne(ctx, store, partition, ingest.KindPDF, pdf, title)
		case link != "":
			docs, err = enqueueOne(ctx, store, partition, ingest.KindURL, link, title)
		default:
			kind, kerr := ingest.KindForPath(file)
			if kerr != nil {
				return kerr
			}
			docs, err = enqueueOne(ctx, store, partition, kind, file, title)
		}
		if err != nil {
			return err
		}
		printStep("Queued %d document(s) for partition %s", len(docs), partition)

		processed, err := worker.Drain(ctx)
		if err != nil {
			return err
		}
		return reportIngest(ctx, store, fragments, partition, docs, processed)
	},
}

func init() {
	ingestCmd.Flags().String("partition", "", "knowledge partition to ingest into")
	ingestCmd.Flags().String("file", "", "text or markdown file")
	ingestCmd.Flags().String("pdf", "", "PDF file")
	ingestCmd.Flags().String("url", "", "web page to fetch")
	ingestCmd.Flags().String("dir", "", "directory of supported files")
	ingestCmd.Flags().String("title", "", "source title (default: file name or URL)")
}

func enqueueOne(ctx context.Context, q ingest.Queue, partition, kind, source, title string) ([]storage.SourceDocument, error) {
	doc, err := ingest.Enqueue(ctx, q, partition, kind, source, title)
	if err != nil {
		return nil, err
	}
	return []storage.SourceDocument{doc}, nil
}

func reportIngest(ctx context.Context, store *storage.Store, fragments *knowledge.Store, partition string, docs []storage.SourceDocument, processed int) error {
	failed := 0
	for _, d := range docs {
		doc, err := store.GetSourceDocument(ctx, d.ID)
		if err != nil {
			return err
		}
		switch doc.Status {
		case "completed":
			printSuccess("%s: %d new fragments", doc.Title, doc.FragmentCount)
		case "failed":
			failed++
			printError("%s: %s", doc.Title, doc.Error)
		default:
			printWarning("%s: %s (will retry on next start)", doc.Title, doc.Status)
		}
	}

	stats, err := fragments.Stats(ctx, partition)
	if err != nil && !errors.Is(err, knowledge.ErrPartitionNotFound) {
		return err
	}
	printStatus("Jobs processed", "%d", processed)
	printStatus("Partition", "%s: %d fragments from %d sources", partition, stats.Fragments, stats.Sources)
	if failed > 0 {
		return fmt.Errorf("%d document(s) failed", failed)
	}
	return nil
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over a knowledge partition",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		partition, _ := cmd.Flags().GetString("partition")
		limit, _ := cmd.Flags().GetInt("limit")
		if partition == "" {
			return fmt.Errorf("--partition is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log)
		ctx := cmd.Context()

		store, fragments, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		emb, err := newEmbedder(ctx, cfg.Embedding, os.Stderr)
		if err != nil {
			return err
		}

		engine := retrieval.NewEngine(fragments, emb, retrieval.Options{}, nil)
		results, err := engine.Search(ctx, partition, strings.Join(args, " "), limit)
		if err != nil {
			return err
		}
		printSearchResults(results)
		return nil
	},
}

func init() {
	searchCmd.Flags().String("partition", "", "knowledge partition to search")
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

func printSearchResults(results []knowledge.Scored) {
	if len(results) == 0 {
		fmt.Println("No results found.")
		return
	}
	for i, r := range results {
		fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score)
		fmt.Printf("  Source: %s (chunk %d)\n", r.SourceTitle, r.ChunkIndex)
		fmt.Printf("  %s\n", truncateRunes(r.Text, 500))
	}
}

// --- accounts ---

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect account files",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		mgr, err := account.NewManager(cfg.Accounts.Dir)
		if err != nil {
			return err
		}
		accs := mgr.All()
		if len(accs) == 0 {
			fmt.Printf("No accounts in %s.\n", cfg.Accounts.Dir)
			return nil
		}
		for _, a := range accs {
			name := a.DisplayName
			if name == "" {
				name = a.ID
			}
			fmt.Printf("%s  %-20s partition=%s platforms=%s exemplars=%d\n",
				colorize(colorCyan, a.ID), name, a.Partition,
				strings.Join(a.Platforms, ","), len(a.Exemplars))
		}
		return nil
	},
}

var accountsValidateCmd = &cobra.Command{
	Use:   "validate [file...]",
	Short: "Validate account files and screen personas and exemplars",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths := args
		if len(paths) == 0 {
			paths, err = accountFiles(cfg.Accounts.Dir)
			if err != nil {
				return err
			}
		}
		if len(paths) == 0 {
			printWarning("No account files in %s", cfg.Accounts.Dir)
			return nil
		}

		filter := safety.New(safety.Options{
			Enabled:      true,
			BlockedTerms: cfg.Safety.BlockedTerms,
			TopicTerms:   cfg.Safety.TopicTerms,
		}, nil)

		invalid := 0
		for _, p := range paths {
			if err := validateAccountFile(filter, p); err != nil {
				invalid++
				printError("%s: %v", filepath.Base(p), err)
				continue
			}
			printSuccess("%s", filepath.Base(p))
		}
		if invalid > 0 {
			return fmt.Errorf("%d of %d account files invalid", invalid, len(paths))
		}
		return nil
	},
}

func init() {
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsValidateCmd)
}

func accountFiles(dir string) ([]string, error) {
	var out []string
	for _, pattern := range []string{"*.yaml", "*.yml", "*.json"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		out = append(out, m...)
	}
	return out, nil
}

func validateAccountFile(filter *safety.Filter, path string) error {
	acc, err := account.LoadFile(path)
	if err != nil {
		return err
	}
	if err := filter.ValidatePersona(acc.Persona); err != nil {
		return err
	}
	for i, e := range acc.Exemplars {
		if err := filter.ValidateExemplar(e.Text); err != nil {
			return fmt.Errorf("exemplar %d: %w", i+1, err)
		}
	}
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(cfgFile, key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s in %s", key, value, configPath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
