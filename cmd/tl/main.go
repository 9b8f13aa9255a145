package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tipline/internal/app"
	"tipline/internal/config"
	"tipline/internal/db"
	"tipline/internal/domain"
	"tipline/internal/engine"
	"tipline/internal/engine/receipt"
	"tipline/internal/log"
	"tipline/internal/pow"
	"tipline/internal/server"
	"tipline/internal/session"
	tiplinesdk "tipline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Tipline CLI",
	Long: `Tipline accepts anonymous reports through a guarded submission wizard.
- Node: the tipline.yml file holding the anti-abuse settings, the receivers and the contexts.
- Context: a reporting channel with its own questionnaire steps and the receivers it reaches.
- Token: issued when a whistleblower opens a context; it must clear the human challenge,
  the proof of work and the minimum delay before it can be redeemed.
- Receipt: the 16 digit code handed back once, after a submission is stored.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("debug") {
			log.SetLevel(log.DebugLevel)
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
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TIPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "node config file (defaults to <workspace>/tipline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("jwt-secret", "", "receiver token signing secret")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("jwt-secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(contextsCmd())
	rootCmd.AddCommand(receiversCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(powCmd())
	rootCmd.AddCommand(receiverCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var (
		addr, basePath string
		devLogin       bool
		sweepInterval  time.Duration
		maxUpload      int64
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("TIPLINE_JWT_SECRET is required for receiver auth")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{
					Engine:         e,
					BasePath:       basePath,
					Auth:           server.AuthConfig{JWTSecret: secret, DevLogin: devLogin},
					MaxUploadBytes: maxUpload,
				})
				if err != nil {
					return err
				}
				swept := server.StartSweeper(ctx, e, sweepInterval)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving %s on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", e.Config.Node.Name, addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				<-swept
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose the unauthenticated receiver token endpoint")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", time.Minute, "expired token sweep period")
	cmd.Flags().Int64Var(&maxUpload, "max-upload-bytes", 32<<20, "request body limit")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect node config",
		Long:  "The node config (tipline.yml) lists the anti-abuse settings, the receivers and the contexts with their questionnaires. It is seeded into the workspace database on every start.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			b, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(b))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter tipline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func contextsCmd() *cobra.Command {
	c := &cobra.Command{Use: "contexts", Short: "Inspect contexts"}
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List public contexts in presentation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				all, err := e.Repo.ListContexts(ctx)
				if err != nil {
					return err
				}
				items := session.PublicContexts(all, e.Config.Node.ShowContextsInAlphabeticalOrder)
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Order", "Max Receivers", "Receivers", "Steps"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.PresentationOrder, c.MaximumSelectableReceivers, strings.Join(c.Receivers, ","), len(c.Steps)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return c
}

func receiversCmd() *cobra.Command {
	c := &cobra.Command{Use: "receivers", Short: "Inspect receivers"}
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List receivers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListReceivers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Order", "PGP", "Configuration", "Eligible"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Name, r.PresentationOrder, r.PGPKeyStatus, r.Configuration, session.Eligible(r, e.Config.Node.AllowUnencrypted)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return c
}

func submitCmd() *cobra.Command {
	var (
		baseURL, contextID, answersPath string
		query                           string
		receivers, files                []string
		difficulty, powRetries          int
		timeout                         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "File a report against a running node",
		Long:  "Walks the submission wizard end to end: opens the context, answers the human challenge on the terminal, solves the proof of work, waits out the minimum delay and posts the answers read from --answers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			values := map[string]any{}
			if answersPath != "" {
				data, err := os.ReadFile(answersPath)
				if err != nil {
					return err
				}
				if err := yaml.Unmarshal(data, &values); err != nil {
					return fmt.Errorf("parse answers: %w", err)
				}
			}
			params, err := submissionParams(query, contextID, receivers)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := runSubmission(ctx, submission{
				client:     tiplinesdk.New(baseURL),
				params:     params,
				values:     values,
				files:      files,
				difficulty: difficulty,
				powRetries: powRetries,
				presenter:  newTerminalPresenter(os.Stdin, os.Stdout),
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Println("submission:", res.SubmissionID)
			fmt.Println("receipt:   ", res.Receipt)
			fmt.Println("Keep the receipt safe. It is shown only once.")
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080/api/v1", "API base URL")
	cmd.Flags().StringVar(&contextID, "context", "", "context id")
	cmd.Flags().StringSliceVar(&receivers, "receivers", nil, "receiver ids to preselect")
	cmd.Flags().StringVar(&query, "query", "", "wizard query string, e.g. context=c-fraud&receivers=[\"r-legal\"]&receivers_selectable=false")
	cmd.Flags().StringVar(&answersPath, "answers", "", "YAML file mapping field ids to answers")
	cmd.Flags().StringArrayVar(&files, "file", nil, "file to attach (repeatable)")
	cmd.Flags().IntVar(&difficulty, "pow-difficulty", 2, "trailing zero bytes to solve for when the node's challenge omits them")
	cmd.Flags().IntVar(&powRetries, "pow-retries", 3, "proof of work attempts before giving up")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "overall deadline")
	return cmd
}

func powCmd() *cobra.Command {
	c := &cobra.Command{Use: "pow", Short: "Proof of work helpers"}
	var question string
	var difficulty int
	var timeout time.Duration
	solve := &cobra.Command{
		Use:   "solve",
		Short: "Find an answer for a challenge question",
		RunE: func(cmd *cobra.Command, args []string) error {
			if question == "" {
				return fmt.Errorf("--question required")
			}
			started := time.Now()
			n, err := pow.Solver{Difficulty: difficulty, Timeout: timeout}.Solve(cmd.Context(), domain.ProofOfWork{Question: question})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"question": question, "answer": n, "elapsed_ms": time.Since(started).Milliseconds()})
			}
			fmt.Println(n)
			return nil
		},
	}
	solve.Flags().StringVar(&question, "question", "", "challenge question")
	solve.Flags().IntVar(&difficulty, "difficulty", 2, "trailing zero bytes")
	solve.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after")
	c.AddCommand(solve)
	return c
}

func receiverCmd() *cobra.Command {
	c := &cobra.Command{Use: "receiver", Short: "Receiver access"}
	var id string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("TIPLINE_JWT_SECRET is required")
			}
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetReceiver(ctx, id); err != nil {
					return fmt.Errorf("receiver %s: %w", id, err)
				}
				tok, err := receipt.MintReceiverToken(secret, id, ttl, time.Now())
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	token.Flags().StringVar(&id, "id", "", "receiver id")
	token.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")

	inbox := &cobra.Command{
		Use:   "submissions",
		Short: "List the submissions addressed to a receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ReceiverSubmissions(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Context", "Created", "Receivers", "Files"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.ContextID, s.CreatedAt, strings.Join(s.Receivers, ","), s.FileCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	inbox.Flags().StringVar(&id, "id", "", "receiver id")
	c.AddCommand(token, inbox)
	return c
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var n int
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, n, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Payload"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	lg.AddCommand(tail)
	return lg
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := app.Open(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, engine.New(conn, cfg))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
