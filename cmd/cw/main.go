package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/logging"
	"crewline/internal/migrate"
	"crewline/internal/repo"
	"crewline/internal/server"
	crewlinesdk "crewline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "cw",
	Short: "Crewline CLI",
	Long: `Crewline orchestrates work across a crew of agents.
- Workspace: the .crewline directory holds the database; crewline.yml holds policy.
- Work items: prioritized units of work that flow open -> assigned -> in_progress -> done.
- Agents: registered workers with capabilities; managers may delegate sub-items.
- Monitor: sweeps for stalled items, escalates them, and queues recovery work.
- Resource tiers: the ordered preference list applied to deployment items.
- Event log: diary of every committed change, view with 'cw log tail'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CREWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "operator", "actor identifier for audit events")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			fmt.Println("workspace ready:", workspace)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				snap, err := o.Snapshot(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Println("Queue depth:", snap.QueueDepth)
				fmt.Println("Items:")
				for status, c := range snap.ByStatus {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Println("Active priorities:")
				for p, c := range snap.ByPriority {
					fmt.Printf("  %s: %d\n", p, c)
				}
				fmt.Printf("Agents: %d\n", len(snap.Agents))
				return nil
			})
		},
	}
}

func submitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	var opType, priority string
	cmd := &cobra.Command{
		Use:   "submit <title>",
		Short: "Submit a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Title = args[0]
			opts.OperationType = domain.OperationType(opType)
			p, err := parsePriority(priority)
			if err != nil {
				return err
			}
			opts.Priority = p
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				item, err := o.Submit(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Description, "description", "", "item description")
	cmd.Flags().StringVar(&opType, "type", "development", "operation type")
	cmd.Flags().StringVar(&priority, "priority", "P2", "priority P0..P4")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent item id (delegation)")
	cmd.Flags().StringVar(&opts.CreatorID, "creator", "", "delegating agent id")
	cmd.Flags().IntVar(&opts.EstimatedSeconds, "estimated-seconds", 0, "estimated run time for deployment items")
	cmd.Flags().BoolVar(&opts.Stateful, "stateful", false, "deployment item needs persistent state")
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
	}
	item.AddCommand(itemListCmd())
	item.AddCommand(itemGetCmd())
	item.AddCommand(itemSetStatusCmd())
	item.AddCommand(itemTouchCmd())
	item.AddCommand(itemReleaseCmd())
	return item
}

func itemListCmd() *cobra.Command {
	var f repo.WorkItemFilters
	var status, opType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(status)
			f.OperationType = domain.OperationType(opType)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Pri", "Status", "Agent"})
				for _, it := range items {
					agent := ""
					if it.AssignedAgent != nil {
						agent = *it.AssignedAgent
					}
					tw.AppendRow(table.Row{it.ID, it.Title, it.OperationType, it.Priority.String(), it.Status, agent})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&opType, "type", "", "operation type filter")
	cmd.Flags().StringVar(&f.AssignedAgent, "agent", "", "assigned agent filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func itemGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <item-id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				item, err := r.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func itemSetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <item-id> <status>",
		Short: "Transition a work item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				item, err := o.UpdateItemStatus(ctx, args[0], domain.Status(args[1]), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func itemTouchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "touch <item-id>",
		Short: "Record activity on a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				item, err := o.Touch(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func itemReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <item-id>",
		Short: "Return a work item to the open pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				item, err := o.ReleaseItem(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
	}
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentHeartbeatCmd())
	agent.AddCommand(agentDequeueCmd())
	agent.AddCommand(agentRunCmd())
	return agent
}

func agentRegisterCmd() *cobra.Command {
	var role string
	var manager bool
	var caps []string
	cmd := &cobra.Command{
		Use:   "register <agent-id>",
		Short: "Register an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				capabilities := make([]domain.OperationType, 0, len(caps))
				for _, c := range caps {
					capabilities = append(capabilities, domain.OperationType(c))
				}
				a, err := o.Registry.Register(ctx, domain.Agent{
					ID:           args[0],
					Role:         role,
					Manager:      manager,
					Capabilities: capabilities,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "agent role")
	cmd.Flags().BoolVar(&manager, "manager", false, "agent may delegate sub-items")
	cmd.Flags().StringSliceVar(&caps, "caps", nil, "capabilities (operation types)")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				agents := o.Registry.List()
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Manager", "Status", "Item", "Last heartbeat"})
				for _, a := range agents {
					item := ""
					if a.CurrentWorkItemID != nil {
						item = *a.CurrentWorkItemID
					}
					tw.AppendRow(table.Row{a.ID, a.Role, a.Manager, a.Status, item, a.LastHeartbeatAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentHeartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <agent-id>",
		Short: "Refresh an agent's liveness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				a, err := o.Registry.Heartbeat(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentDequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dequeue <agent-id>",
		Short: "Claim the next eligible item for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				assignment, err := o.Dequeue(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if assignment == nil {
					fmt.Println("no eligible work")
					return nil
				}
				return printJSONOrTable(assignment)
			})
		},
	}
}

// agentRunCmd is a reference agent body: it registers against a running
// server, heartbeats, polls for work, and pretends to do it. Useful for
// demos and soak-testing a deployment.
func agentRunCmd() *cobra.Command {
	var serverURL, role, apiKey string
	var manager bool
	var caps []string
	var poll, work time.Duration
	cmd := &cobra.Command{
		Use:   "run <agent-id>",
		Short: "Run a demo agent against a Crewline server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := args[0]
			log := logging.New(os.Stderr, "info").WithAgent(agentID)
			client := crewlinesdk.New(serverURL)
			client.APIKey = apiKey
			ctx := cmd.Context()

			if _, err := client.RegisterAgent(ctx, agentID, role, manager, caps); err != nil {
				// Re-running after a crash: the previous registration may
				// still be live until the heartbeat timeout passes.
				var apiErr *crewlinesdk.APIError
				if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
					return err
				}
				if _, err := client.Heartbeat(ctx, agentID); err != nil {
					return err
				}
			}
			log.Info("agent running", "server", serverURL, "poll", poll.String())

			ticker := time.NewTicker(poll)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					log.Info("agent stopping")
					return nil
				case <-ticker.C:
				}
				if _, err := client.Heartbeat(ctx, agentID); err != nil {
					log.Warn("heartbeat failed", "error", err)
					continue
				}
				for _, msg := range drainQuietly(ctx, client, agentID, log) {
					log.Info("message received", "from", msg.From, "subject", msg.Subject)
				}
				assignment, err := client.Dequeue(ctx, agentID)
				if err != nil {
					log.Warn("dequeue failed", "error", err)
					continue
				}
				if assignment == nil {
					continue
				}
				item := assignment.Item
				log.Info("claimed item", "item_id", item.ID, "title", item.Title, "resource", assignment.Resource)
				if _, err := client.UpdateStatus(ctx, item.ID, "in_progress"); err != nil {
					log.Warn("start failed", "item_id", item.ID, "error", err)
					continue
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(work):
				}
				if _, err := client.UpdateStatus(ctx, item.ID, "done"); err != nil {
					log.Warn("finish failed", "item_id", item.ID, "error", err)
					continue
				}
				log.Info("finished item", "item_id", item.ID)
			}
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "Crewline server URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for the agent")
	cmd.Flags().StringVar(&role, "role", "worker", "agent role")
	cmd.Flags().BoolVar(&manager, "manager", false, "agent may delegate sub-items")
	cmd.Flags().StringSliceVar(&caps, "caps", []string{"development"}, "capabilities")
	cmd.Flags().DurationVar(&poll, "poll", 5*time.Second, "poll interval")
	cmd.Flags().DurationVar(&work, "work", 2*time.Second, "simulated work duration per item")
	return cmd
}

func drainQuietly(ctx context.Context, client *crewlinesdk.Client, agentID string, log *logging.Logger) []crewlinesdk.Message {
	msgs, err := client.Drain(ctx, agentID)
	if err != nil {
		log.Warn("mailbox drain failed", "error", err)
		return nil
	}
	return msgs
}

func escalationCmd() *cobra.Command {
	esc := &cobra.Command{
		Use:   "escalation",
		Short: "Manage escalations",
	}
	esc.AddCommand(escalationListCmd())
	esc.AddCommand(escalationResolveCmd())
	return esc
}

func escalationListCmd() *cobra.Command {
	var itemID string
	var unresolved bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f := repo.EscalationFilters{WorkItemID: itemID, Limit: limit}
				if unresolved {
					resolved := false
					f.Resolved = &resolved
				}
				escs, err := r.ListEscalations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(escs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Item", "Reason", "Severity", "Resolved", "Created"})
				for _, e := range escs {
					tw.AppendRow(table.Row{e.ID, e.WorkItemID, e.Reason, e.Severity, e.Resolved, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "work item filter")
	cmd.Flags().BoolVar(&unresolved, "unresolved", false, "only unresolved escalations")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func escalationResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <escalation-id>",
		Short: "Resolve an escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				return o.Store.ResolveEscalation(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one monitor pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				report, err := o.Tick(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: submissions, assignments, stalls, escalations, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEventsFrom(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString()
				rec := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, rec); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Println("api key:", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var insecure bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			log := logging.New(os.Stderr, os.Getenv("CREWLINE_LOG_LEVEL"))
			orch := engine.New(conn, cfg, log)
			if err := orch.Start(cmd.Context()); err != nil {
				return err
			}
			defer orch.Stop()

			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("CREWLINE_JWT_SECRET"),
				AllowAnonymous: insecure,
			}
			if authCfg.JWTSecret == "" && !insecure {
				return fmt.Errorf("CREWLINE_JWT_SECRET is required unless --insecure is set")
			}
			handler, err := server.New(server.Config{
				Orchestrator: orch,
				Repo:         repo.Repo{DB: conn},
				BasePath:     basePath,
				Auth:         authCfg,
			})
			if err != nil {
				return err
			}

			stopWatch, err := watchPolicy(workspace, orch, log)
			if err != nil {
				log.Warn("config watch disabled", "error", err)
			} else {
				defer stopWatch()
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Crewline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "allow unauthenticated requests (local use)")
	return cmd
}

// watchPolicy reloads the resource tier list when crewline.yml changes on
// disk. Only the tier list is hot-reloaded; orchestrator timings need a
// restart.
func watchPolicy(workspace string, orch *engine.Orchestrator, log *logging.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(workspace); err != nil {
		watcher.Close()
		return nil, err
	}
	cfgPath := config.Path(workspace)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != cfgPath || !event.Op.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				cfg, err := config.FromFile(cfgPath)
				if err != nil {
					log.Warn("config reload skipped", "error", err)
					continue
				}
				orch.Policy.Reload(cfg.Resources.Tiers)
				log.Info("resource tiers reloaded", "tiers", len(cfg.Resources.Tiers))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watch error", "error", err)
			}
		}
	}()
	return func() { watcher.Close() }, nil
}

func withOrchestrator(ctx context.Context, fn func(context.Context, *engine.Orchestrator) error) error {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	orch := engine.New(conn, cfg, logging.Nop())
	if err := orch.Registry.Load(ctx); err != nil {
		return err
	}
	return fn(ctx, orch)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func parsePriority(v string) (domain.Priority, error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	s = strings.TrimPrefix(s, "P")
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 4 {
		return 0, fmt.Errorf("invalid priority %q (want P0..P4)", v)
	}
	return domain.Priority(n), nil
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
