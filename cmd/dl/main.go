package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"draftline/internal/config"
	"draftline/internal/db"
	"draftline/internal/domain"
	"draftline/internal/engine"
	"draftline/internal/migrate"
	"draftline/internal/model"
	"draftline/internal/repo"
	"draftline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Draftline CLI",
	Long: `Draftline runs the proposal generation pipeline: RFP analysis, concept
evaluation, outline generation and section drafting. Tasks run in the
background against a local model endpoint; poll status to observe progress.
The workspace is the .draftline directory holding the task database.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DRAFTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Run and inspect generation tasks"}
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskRegenerateCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskListCmd())
	return task
}

func taskStartCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "start <entity-id> <task-type>",
		Short: "Start a generation task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				// the process exits when this command returns, so the
				// pipeline must run before Start comes back or the task
				// would be stranded pending forever
				e.Dispatch = func(f func()) { f() }
				t, err := e.Start(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if wait {
					return pollUntilTerminal(ctx, e, t.EntityID, t.TaskType)
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the task reaches a terminal status")
	return cmd
}

func taskRegenerateCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "regenerate <entity-id> <task-type>",
		Short: "Discard a finished attempt and run again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				e.Dispatch = func(f func()) { f() }
				t, err := e.Regenerate(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if wait {
					return pollUntilTerminal(ctx, e, t.EntityID, t.TaskType)
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the task reaches a terminal status")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <entity-id> <task-type>",
		Short: "Show the task record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Status(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <entity-id>",
		Short: "List task records for a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTasks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TASK TYPE", "STATUS", "STARTED", "COMPLETED", "ERROR"})
				for _, t := range items {
					completed, errMsg := "", ""
					if t.CompletedAt != nil {
						completed = *t.CompletedAt
					}
					if t.Error != nil {
						errMsg = *t.Error
					}
					tw.AppendRow(table.Row{t.TaskType, t.Status, t.StartedAt, completed, errMsg})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func artifactCmd() *cobra.Command {
	art := &cobra.Command{Use: "artifact", Short: "Manage proposal documents"}
	art.AddCommand(artifactPutCmd())
	art.AddCommand(artifactGetCmd())
	art.AddCommand(artifactListCmd())
	return art
}

func artifactPutCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "put <entity-id> <kind>",
		Short: "Store a client input document (rfp, concept, section_selection)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readInput(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.PutArtifact(ctx, args[0], args[1], payload, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file to store ('-' or empty for stdin)")
	return cmd
}

func artifactGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <entity-id> <kind>",
		Short: "Print an artifact payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetArtifact(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Println(a.Payload)
				return nil
			})
		},
	}
	return cmd
}

func artifactListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <entity-id>",
		Short: "List artifacts for a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListArtifacts(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"KIND", "BYTES", "UPDATED"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.Kind, len(a.Payload), a.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage prompt templates"}
	tpl.AddCommand(templateImportCmd())
	tpl.AddCommand(templatePublishCmd())
	tpl.AddCommand(templateListCmd())
	return tpl
}

// templateFile is the YAML shape accepted by `dl template import`.
type templateFile struct {
	SectionKey         string `yaml:"section_key"`
	SystemPrompt       string `yaml:"system_prompt"`
	UserPromptTemplate string `yaml:"user_prompt_template"`
}

func templateImportCmd() *cobra.Command {
	var file string
	var publish bool
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a template version from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var tf templateFile
			if err := yaml.Unmarshal(data, &tf); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ImportTemplate(ctx, tf.SectionKey, tf.SystemPrompt, tf.UserPromptTemplate, publish, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "template YAML file")
	cmd.Flags().BoolVar(&publish, "publish", false, "publish immediately")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templatePublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <template-id>",
		Short: "Publish a draft template version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.PublishTemplate(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func templateListCmd() *cobra.Command {
	var sectionKey string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List template versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTemplates(ctx, sectionKey)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "SECTION KEY", "VERSION", "STATUS", "CREATED"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.SectionKey, t.Version, t.Status, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sectionKey, "section-key", "", "filter by section key")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, entityID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default draftline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				e.Log = log
				if n, err := e.RecoverInterrupted(ctx); err != nil {
					return err
				} else if n > 0 {
					log.Warn("failed tasks interrupted by a previous run", "count", n)
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				log.Info("serving Draftline API", "addr", addr, "base_path", basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
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
	m, err := model.New(cfg.Model, slog.Default())
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, m, slog.Default())
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
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

// pollUntilTerminal prints the record once it reaches completed or failed.
func pollUntilTerminal(ctx context.Context, e engine.Engine, entityID, taskType string) error {
	for {
		t, err := e.Status(ctx, entityID, taskType)
		if err != nil {
			return err
		}
		if domain.IsTerminal(t.Status) {
			return printJSONOrTable(t)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func readInput(file string) (string, error) {
	if file == "" || file == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(file)
	return string(data), err
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
