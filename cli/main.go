package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/steward/pkg/config"
	"github.com/haasonsaas/steward/pkg/orchestrator"
	"github.com/haasonsaas/steward/pkg/tasks"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
	jsonOutput bool
	verbose    bool
	Version    = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "steward",
		Short:         "Steward - endpoint management agent",
		Long:          "Inspect, enroll and exercise the Steward agent on this device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Agent config file")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "Platform URL (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log agent internals to stderr")

	rootCmd.AddCommand(
		statusCmd(),
		enrollCmd(),
		resetCmd(),
		execCmd(),
		agentsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cliLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(level)
}

// openAgent builds the agent context from the config without starting its
// loops.
func openAgent(ctx context.Context) (*orchestrator.Agent, *config.AgentConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if serverURL != "" {
		cfg.Server.URL = serverURL
	}
	agent, err := orchestrator.New(ctx, orchestrator.Options{
		Config:  cfg,
		Version: Version,
		Logger:  cliLogger(),
	})
	if err != nil {
		return nil, nil, err
	}
	return agent, cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show enrollment, health and journal status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			agent, cfg, err := openAgent(ctx)
			if err != nil {
				return err
			}
			defer agent.Close()

			status := agent.Status()
			health := agent.Health(ctx)
			stats, err := agent.Journal().Stats(ctx)
			if err != nil {
				return fmt.Errorf("journal stats: %w", err)
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"agent":   status,
					"health":  health,
					"journal": stats,
				})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Steward Status\n")
			fmt.Fprintf(out, "==============\n\n")
			fmt.Fprintf(out, "Platform:          %s\n", cfg.Server.URL)
			if status.Enrolled {
				fmt.Fprintf(out, "Enrolled:          yes (%s)\n", status.Identity)
			} else {
				fmt.Fprintf(out, "Enrolled:          no\n")
			}
			fmt.Fprintf(out, "Credential valid:  %v\n", status.CredentialValid)
			fmt.Fprintf(out, "Platform healthy:  %v\n", health.Healthy)
			if health.PlatformReachable {
				fmt.Fprintf(out, "Clock drift:       %ds\n", health.TimeDrift)
			}
			for _, issue := range health.Issues {
				fmt.Fprintf(out, "  - %s\n", issue)
			}
			if cfg.Journal.DSN != "" {
				fmt.Fprintf(out, "Journal:           %d tasks (%d ok, %d failed, %d unreported)\n",
					stats.Total, stats.Succeeded, stats.Failed, stats.Unreported)
			}
			return nil
		},
	}
}

func enrollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enroll [token]",
		Short: "Enroll this device with the platform",
		Long:  "Enroll with the given token, or the token from the config, STEWARD_ENROLL_TOKEN or the token file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			agent, cfg, err := openAgent(ctx)
			if err != nil {
				return err
			}
			defer agent.Close()

			token := ""
			if len(args) == 1 {
				token = args[0]
			} else if token, err = cfg.EnrollmentToken(); err != nil {
				return err
			}
			if token == "" {
				return errors.New("no enrollment token given")
			}

			cred, err := agent.Enroll(ctx, token)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"identity": cred.Identity, "expires_at": cred.ExpiresAt})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enrolled as %s\n", cred.Identity)
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _, err := openAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer agent.Close()
			if err := agent.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Credential removed; the agent must enroll again")
			return nil
		},
	}
}

func execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <task.json>",
		Short: "Run a task file through the local engine",
		Long:  "Run a task through the same engine the agent uses, without contacting the platform. Use - for stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := loadTaskFile(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			agent, _, err := openAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer agent.Close()

			result := agent.Execute(cmd.Context(), task)
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("task %s failed: %s", task.ID, result.ErrorKind)
			}
			return nil
		},
	}
}

// loadTaskFile decodes a task, filling an ID and creation time when absent.
func loadTaskFile(path string, stdin io.Reader) (tasks.Task, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return tasks.Task{}, err
		}
		defer f.Close()
		r = f
	}
	var task tasks.Task
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&task); err != nil {
		return tasks.Task{}, fmt.Errorf("decode task: %w", err)
	}
	if task.Kind == "" {
		return tasks.Task{}, errors.New("task kind is required")
	}
	if task.ID == "" {
		task.ID = "local-" + uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	return task, nil
}

// AgentSummary mirrors the dev platform's admin listing.
type AgentSummary struct {
	Identity     string    `json:"identity"`
	Hostname     string    `json:"hostname"`
	OS           string    `json:"os"`
	AgentVersion string    `json:"agent_version"`
	LastSeen     time.Time `json:"last_seen"`
	PendingTasks int64     `json:"pending_tasks"`
}

func agentsCmd() *cobra.Command {
	var adminToken string
	cmd := &cobra.Command{
		Use:     "agents",
		Aliases: []string{"ls", "list"},
		Short:   "List agents enrolled with a development platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			base := serverURL
			if base == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				base = cfg.Server.URL
			}
			if adminToken == "" {
				adminToken = os.Getenv("STEWARD_ADMIN_TOKEN")
			}
			agents, err := fetchAgents(cmd.Context(), base, adminToken)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), agents)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTITY\tHOSTNAME\tOS\tVERSION\tLAST SEEN\tPENDING")
			fmt.Fprintln(w, "--------\t--------\t--\t-------\t---------\t-------")
			for _, a := range agents {
				lastSeen := time.Since(a.LastSeen).Round(time.Second)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\t%d\n", a.Identity, a.Hostname, a.OS, a.AgentVersion, lastSeen, a.PendingTasks)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&adminToken, "admin-token", "", "Platform admin token (default $STEWARD_ADMIN_TOKEN)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "steward version %s\n", Version)
		},
	}
}

func fetchAgents(ctx context.Context, base, adminToken string) ([]AgentSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/v1/admin/agents", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	var agents []AgentSummary
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		return nil, err
	}
	return agents, nil
}
