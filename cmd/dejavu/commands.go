package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/dejavu/internal/api"
	"github.com/kalambet/dejavu/internal/config"
	"github.com/kalambet/dejavu/internal/gate"
	"github.com/kalambet/dejavu/internal/pipeline"
	"github.com/kalambet/dejavu/internal/storage"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Send a message and print the reply",
	Long: `Send a message and print the reply.

Examples:
  dejavu ask "What is the boiling point of water?"
  dejavu ask "I moved to a new city for work and I feel completely alone"
  dejavu ask --session weekend "still thinking about the move"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		reply, err := ask(cmd.Context(), client, strings.Join(args, " "), session)
		if err != nil {
			return err
		}
		printReply(os.Stdout, reply)
		return nil
	},
}

func init() {
	askCmd.Flags().String("session", "", "session identifier")
}

func ask(ctx context.Context, c *apiClient, text, session string) (pipeline.Reply, error) {
	var reply pipeline.Reply
	resp, err := c.post(ctx, "/v1/query", api.QueryRequest{Text: text, SessionID: session})
	if err != nil {
		return reply, err
	}
	err = decodeJSON(resp, &reply)
	return reply, err
}

func printReply(w io.Writer, r pipeline.Reply) {
	fmt.Fprintln(w, r.Text)

	if r.PeerInsight != nil {
		pi := r.PeerInsight
		label := fmt.Sprintf("Someone else went through something similar [%s, %.2f]", pi.Tier, pi.Score)
		fmt.Fprintf(w, "\n%s\n", colorize(tierColor(string(pi.Tier)), label))
		fmt.Fprintf(w, "  %s\n", pi.Summary)
	}
	if r.OwnHistory != nil {
		oh := r.OwnHistory
		label := fmt.Sprintf("You asked something similar on %s", oh.CreatedAt.Format("Jan 2"))
		fmt.Fprintf(w, "\n%s\n", colorize(colorBold, label))
		fmt.Fprintf(w, "  %s\n", truncate(oh.Query, 120))
	}

	if r.Route == storage.RouteExperiential {
		fmt.Fprintf(w, "\n%s\n", colorize(colorCyan,
			fmt.Sprintf("Was this helpful? dejavu feedback %s --helpful=true|false", r.ConversationID)))
	}
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback <conversation-id>",
	Short: "Say whether a reply helped",
	Long: `Say whether a reply helped.

A helpful verdict publishes the anonymized variants of your story to the shared
pool; an unhelpful one discards them. Only the first verdict counts.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("helpful") {
			return fmt.Errorf("--helpful=true or --helpful=false is required")
		}
		helpful, _ := cmd.Flags().GetBool("helpful")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ack, err := sendFeedback(cmd.Context(), client, args[0], helpful)
		if err != nil {
			return err
		}
		printSuccess("%s", describeAck(ack))
		return nil
	},
}

func init() {
	feedbackCmd.Flags().Bool("helpful", false, "whether the reply helped")
}

func sendFeedback(ctx context.Context, c *apiClient, id string, helpful bool) (gate.Ack, error) {
	var ack gate.Ack
	resp, err := c.post(ctx, "/v1/feedback", api.FeedbackRequest{ConversationID: id, Helpful: &helpful})
	if err != nil {
		return ack, err
	}
	err = decodeJSON(resp, &ack)
	return ack, err
}

func describeAck(a gate.Ack) string {
	switch a.Outcome {
	case storage.OutcomePublished:
		return fmt.Sprintf("Thanks. %d anonymized variant(s) joined the shared pool", a.Published)
	case storage.OutcomeDiscarded:
		return fmt.Sprintf("Thanks. %d variant(s) discarded", a.Discarded)
	case storage.OutcomeDeferred:
		return "Thanks. Your verdict will apply once the variants are ready"
	default:
		return "Thanks. Nothing was waiting on this conversation"
	}
}

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Browse your own conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your recent conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/conversations?limit="+strconv.Itoa(limit))
		if err != nil {
			return err
		}

		var convs []api.ConversationView
		if err := decodeJSON(resp, &convs); err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			fmt.Printf("%s  %s  %-12s  %s  %s\n",
				colorize(colorCyan, shortID(c.ID)),
				c.CreatedAt.Format("2006-01-02 15:04"),
				c.Route,
				decoyLabel(c.Decoys),
				truncate(c.Query, 60),
			)
		}
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one of your conversations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/conversations/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var conv api.ConversationView
		if err := decodeJSON(resp, &conv); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(conv)
	},
}

func init() {
	conversationsListCmd.Flags().Int("limit", 20, "maximum number of conversations to list")
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func decoyLabel(c storage.DecoyCounts) string {
	if c.Pending+c.Published+c.Discarded == 0 {
		return "-"
	}
	return fmt.Sprintf("decoys %d/%d/%d", c.Pending, c.Published, c.Discarded)
}

// --- pool ---

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Browse the anonymized shared pool",
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the newest pool entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/pool?limit="+strconv.Itoa(limit))
		if err != nil {
			return err
		}
		var entries []storage.GlobalDecoy
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("The pool is empty.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, shortID(e.ID)),
				e.CreatedAt.Format("2006-01-02"),
				truncate(e.Summary, 80),
			)
			if len(e.Topics) > 0 {
				fmt.Printf("          %s\n", strings.Join(e.Topics, ", "))
			}
		}
		return nil
	},
}

var poolSearchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Search the pool by meaning",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{"q": {strings.Join(args, " ")}, "limit": {strconv.Itoa(limit)}}
		resp, err := client.get(cmd.Context(), "/v1/pool?"+q.Encode())
		if err != nil {
			return err
		}
		var hits []api.PoolHit
		if err := decodeJSON(resp, &hits); err != nil {
			return err
		}
		if len(hits) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		for i, h := range hits {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), h.Score)
			fmt.Printf("  %s\n", h.Summary)
		}
		return nil
	},
}

func init() {
	poolListCmd.Flags().Int("limit", 20, "maximum number of entries to list")
	poolSearchCmd.Flags().Int("limit", 5, "maximum number of results")
	poolCmd.AddCommand(poolListCmd)
	poolCmd.AddCommand(poolSearchCmd)
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
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Set a configuration value",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
