package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sceneline/internal/app"
	"sceneline/internal/config"
	"sceneline/internal/db"
	"sceneline/internal/engine"
	"sceneline/internal/generate"
	"sceneline/internal/migrate"
	"sceneline/internal/repo"
	"sceneline/internal/retention"
	"sceneline/internal/server"
	"sceneline/internal/signing"
	"sceneline/internal/tracker"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Sceneline CLI",
	Long: `Sceneline orchestrates scene generation and versioning for media timelines.
- Workspace: your .sceneline directory with the database; config lives in sceneline.yml.
- Project: owns the scene timeline; each scene holds an ordinal slot in it.
- Scenes: a start frame, optional end frame, and a shot type; the generation
  service turns them into media. Statuses go queued -> processing -> ready/error.
- Versions: every successful generation appends an immutable version record;
  the scene's version counter tracks the latest.
- Regenerate: re-queues a ready or errored scene for a fresh take.
- Delete/restore: deletes are soft with a short undo window, then purged.
- Export: latest ready media per scene with signed links, in timeline order.
- Event log: diary of changes, view with 'sl log tail'.`,
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
	viper.SetEnvPrefix("SCENELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("account-id", "local-user", "account identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("account-id", rootCmd.PersistentFlags().Lookup("account-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sceneCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, title, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), id, func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, id)
				if err == nil {
					// Seeded by workspace resolution; just report it.
					return printJSONOrTable(p)
				}
				if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				p, err = e.InitProject(ctx, id, title, desc, viper.GetString("account-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteProject(ctx, e.Config.Project.ID)
			})
		},
	}
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "SCENELINE_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set SCENELINE_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default sceneline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				projectID = viper.GetString("project")
			}
			if projectID == "" {
				return fmt.Errorf("--id or --project required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "id", "", "project id")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate sceneline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": true, "project_id": cfg.Project.ID})
			}
			fmt.Printf("Config OK (project %s)\n", cfg.Project.ID)
			return nil
		},
	}
}

func sceneCmd() *cobra.Command {
	sc := &cobra.Command{Use: "scene", Short: "Manage scenes"}
	sc.AddCommand(sceneCreateCmd())
	sc.AddCommand(sceneListCmd())
	sc.AddCommand(sceneShowCmd())
	sc.AddCommand(sceneRegenerateCmd())
	sc.AddCommand(sceneDeleteCmd())
	sc.AddCommand(sceneRestoreCmd())
	sc.AddCommand(sceneFramesCmd())
	sc.AddCommand(sceneMediaCmd())
	return sc
}

func sceneCreateCmd() *cobra.Command {
	var startFrame, endFrame, shotType, folderID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a scene and submit generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateScene(ctx, engine.SceneCreateOptions{
					ProjectID:     e.Config.Project.ID,
					OwnerID:       viper.GetString("account-id"),
					FolderID:      folderID,
					StartFrameKey: startFrame,
					EndFrameKey:   endFrame,
					ShotType:      shotType,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&startFrame, "start-frame", "", "start frame object key")
	cmd.Flags().StringVar(&endFrame, "end-frame", "", "end frame object key")
	cmd.Flags().StringVar(&shotType, "shot-type", "static", "shot type from the catalog")
	cmd.Flags().StringVar(&folderID, "folder", "", "folder id")
	_ = cmd.MarkFlagRequired("start-frame")
	return cmd
}

func sceneListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scenes in timeline order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListScenes(ctx, e.Config.Project.ID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Ordinal", "ID", "Shot", "Status", "Version", "Job"})
				for _, s := range items {
					job := ""
					if s.JobStatus != nil {
						job = *s.JobStatus
					}
					tw.AppendRow(table.Row{s.Ordinal, s.ID, s.ShotType, s.Status, s.Version, job})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (queued, processing, ready, error)")
	return cmd
}

func sceneShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a scene",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetScene(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sceneRegenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate <id>",
		Short: "Re-queue a ready or errored scene",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("scene id required")
			}
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				s, err := e.RegenerateScene(ctx, args[0], viper.GetString("account-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sceneDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete a scene (restorable for the undo window)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				return e.DeleteScene(ctx, args[0], viper.GetString("account-id"))
			})
		},
	}
}

func sceneRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Undo a recent delete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				s, err := e.RestoreScene(ctx, args[0], viper.GetString("account-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sceneFramesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "frames <id>",
		Short: "Signed URLs for the scene's input frames",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				urls, err := e.FrameURLs(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(urls)
			})
		},
	}
}

func sceneMediaCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "media <id>",
		Short: "Signed URL for a version's media (latest by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				u, err := e.MediaURL(ctx, args[0], version)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version number (0 = latest)")
	return cmd
}

func versionCmd() *cobra.Command {
	v := &cobra.Command{Use: "version", Short: "Inspect scene versions"}
	v.AddCommand(versionListCmd())
	v.AddCommand(versionAppendCmd())
	return v
}

func versionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <scene-id>",
		Short: "List a scene's versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListVersions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Media Key", "Created"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.Version, v.MediaKey, v.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func versionAppendCmd() *cobra.Command {
	var expectedPrior int
	var mediaKey, metaJSON string
	cmd := &cobra.Command{
		Use:   "append <scene-id>",
		Short: "Append an imported version record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				v, err := e.AppendVersion(ctx, args[0], expectedPrior, mediaKey, metaJSON)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().IntVar(&expectedPrior, "expected-prior", 0, "expected number of existing version records")
	cmd.Flags().StringVar(&mediaKey, "media-key", "", "media object key")
	cmd.Flags().StringVar(&metaJSON, "meta", "", "opaque metadata JSON")
	_ = cmd.MarkFlagRequired("media-key")
	return cmd
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export manifest of ready scenes with signed links",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				manifest, err := e.Export(ctx, e.Config.Project.ID, viper.GetString("account-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(manifest)
			})
		},
	}
}

func accountCmd() *cobra.Command {
	acc := &cobra.Command{Use: "account", Short: "Manage accounts"}
	acc.AddCommand(accountEnsureCmd())
	acc.AddCommand(accountStatusCmd())
	return acc
}

func accountEnsureCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "ensure <id>",
		Short: "Create an account if missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				a, err := e.EnsureAccount(ctx, args[0], status)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "active", "account status (active, pending, rejected)")
	return cmd
}

func accountStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Set account status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--status required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetAccountStatus(ctx, args[0], status)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "account status (active, pending, rejected)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var accountID, name, plaintext string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the plaintext once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if accountID == "" {
				accountID = viper.GetString("account-id")
			}
			if plaintext == "" {
				return fmt.Errorf("--key required")
			}
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				key, err := e.CreateAPIKey(ctx, accountID, name, plaintext)
				if err != nil {
					return err
				}
				fmt.Printf("API key %s created for %s; store the plaintext now, only the hash is kept.\n", key.ID, key.AccountID)
				return printJSONOrTable(key)
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id (defaults to --account-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&plaintext, "key", "", "plaintext key value")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, accountID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "filter by account id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), "", func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, job poller, and retention sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			return withEngine(ctx, "", func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("SCENELINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("SCENELINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}

				go e.Tracker.RunPoller(ctx)
				sweeper := retention.New(e)
				if err := sweeper.Start(ctx, e.Config.Retention.SweepSchedule); err != nil {
					return err
				}

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Sceneline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

func withEngine(ctx context.Context, projectOverride string, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	if projectOverride == "" {
		projectOverride = viper.GetString("project")
	}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, projectOverride, viper.GetString("account-id"), r)
	if err != nil {
		return err
	}

	genClient := generate.NewClient(cfg.Generator.Endpoint, generate.WithAPIKey(cfg.Generator.APIKey))
	trk := tracker.New(conn, r, genClient, cfg)
	authority, err := signing.NewMinioAuthority(signing.MinioConfig{
		Endpoint:  cfg.Signing.Endpoint,
		AccessKey: cfg.Signing.AccessKey,
		SecretKey: cfg.Signing.SecretKey,
		Bucket:    cfg.Signing.Bucket,
		UseSSL:    cfg.Signing.UseSSL,
	})
	if err != nil {
		return err
	}
	cache := signing.NewCache(authority, cfg.SigningTTL(), cfg.SigningMargin())
	e := engine.New(conn, cfg, trk, cache)
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
