package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"switchline/internal/app"
	"switchline/internal/config"
	"switchline/internal/db"
	"switchline/internal/domain"
	"switchline/internal/drain"
	"switchline/internal/logger"
	"switchline/internal/repo"
	"switchline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Switchline CLI",
	Long: `Switchline stores payment attempts and runs background payment tasks.
- Storage schemes: each merchant is durable_only (writes go to the database) or cache_first
  (writes go to the cache and reach the database through the drain queue).
- Drain queue: ordered insert/update intents per payment, replayable with 'sl drain replay'.
- Scheduler: 'sl producer' publishes due tasks onto the task stream, 'sl consumer' runs them.
- Admin API: 'sl serve' exposes attempts, tasks and connector webhooks over HTTP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		envFile := filepath.Join(workspace, ".env")
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		logger.InitLogger(viper.GetBool("verbose"))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SWITCHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/.switchline/config.yaml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(consumerCmd())
	rootCmd.AddCommand(producerCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(attemptCmd())
	rootCmd.AddCommand(drainCmd())
	rootCmd.AddCommand(tokenCmd())
}

// loadConfig reads the config file, then applies SWITCHLINE_* overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Override(func(key string) (string, bool) {
		if !viper.IsSet(key) {
			return "", false
		}
		return viper.GetString(key), true
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// shutdownSignal closes the returned channel on SIGINT or SIGTERM.
func shutdownSignal() <-chan struct{} {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		s := <-sig
		logger.Logger.Info().Str("signal", s.String()).Msg("shutdown signal received")
		signal.Stop(sig)
		close(done)
	}()
	return done
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace, default config and a JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config %s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			envFile := filepath.Join(workspace, ".env")
			env, err := godotenv.Read(envFile)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				env = map[string]string{}
			}
			if env["SWITCHLINE_SERVER_JWT_SECRET"] == "" {
				secret, err := randomSecret()
				if err != nil {
					return err
				}
				env["SWITCHLINE_SERVER_JWT_SECRET"] = secret
				if err := godotenv.Write(env, envFile); err != nil {
					return err
				}
			}
			fmt.Printf("Initialized workspace: config %s, secrets %s\n", path, envFile)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("Database migrated (%s)\n", a.Config.Database.Driver)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if c.Server.JWTSecret != "" {
				c.Server.JWTSecret = "***"
			}
			if c.Redis.Password != "" {
				c.Redis.Password = "***"
			}
			return printJSON(c)
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Attempts: a.Router,
					Tasks:    a.Tasks,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: a.Config.Server.JWTSecret},
				})
				if err != nil {
					return err
				}
				if a.Config.Server.JWTSecret == "" {
					logger.Logger.Warn().Msg("server.jwt_secret is empty; the API is unauthenticated")
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				shutdown := shutdownSignal()
				go func() {
					<-shutdown
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(ctx)
				}()
				logger.Logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving Switchline API (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default /v0)")
	return cmd
}

func consumerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consumer",
		Short: "Run the task consumer until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Consumer().Run(ctx, shutdownSignal())
			})
		},
	}
}

func producerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "producer",
		Short: "Publish due tasks onto the task stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p := a.Producer()
				if once {
					n, err := p.Produce(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Published %d task(s)\n", n)
					return nil
				}
				return p.Run(ctx, shutdownSignal())
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "publish one batch and exit")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage scheduled tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskListCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var (
		n            domain.TaskNew
		trackingData string
		scheduleIn   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if trackingData != "" {
				n.TrackingData = json.RawMessage(trackingData)
			}
			if scheduleIn > 0 {
				at := time.Now().UTC().Add(scheduleIn)
				n.ScheduleTime = &at
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks.Create(ctx, n)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&n.ID, "id", "", "task id (default random)")
	cmd.Flags().StringVar(&n.Name, "name", "", "task name")
	cmd.Flags().StringVar(&n.Runner, "runner", "", "workflow runner, e.g. PAYMENT_STATUS_SYNC")
	cmd.Flags().StringSliceVar(&n.Tag, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&trackingData, "tracking-data", "", "workflow payload as JSON")
	cmd.Flags().DurationVar(&scheduleIn, "schedule-in", 0, "delay before the task is due")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("runner")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Runner", "Status", "Business Status", "Retries", "Scheduled"})
				for _, t := range tasks {
					scheduled := ""
					if t.ScheduleTime != nil {
						scheduled = t.ScheduleTime.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{t.ID, t.Runner, t.Status, t.BusinessStatus, t.RetryCount, scheduled})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Runner, "runner", "", "runner filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func attemptCmd() *cobra.Command {
	attempt := &cobra.Command{Use: "attempt", Short: "Inspect payment attempts"}
	attempt.AddCommand(attemptShowCmd())
	attempt.AddCommand(attemptListCmd())
	return attempt
}

func attemptShowCmd() *cobra.Command {
	var id domain.Identifier
	var connectorTxn, preprocessing string
	cmd := &cobra.Command{
		Use:   "show [attempt-id]",
		Short: "Show an attempt by id or connector reference",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case len(args) == 1:
				id.Kind, id.Value = domain.ByAttemptID, args[0]
			case connectorTxn != "":
				id.Kind, id.Value = domain.ByConnectorTransactionID, connectorTxn
			case preprocessing != "":
				id.Kind, id.Value = domain.ByPreprocessingID, preprocessing
			default:
				return fmt.Errorf("attempt id, --connector-transaction-id or --preprocessing-id is required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				att, err := a.Router.FindAttempt(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(att)
			})
		},
	}
	cmd.Flags().StringVar(&id.MerchantID, "merchant", "", "merchant id")
	cmd.Flags().StringVar(&id.PaymentID, "payment", "", "payment id (narrows connector lookups)")
	cmd.Flags().StringVar(&connectorTxn, "connector-transaction-id", "", "connector transaction id")
	cmd.Flags().StringVar(&preprocessing, "preprocessing-id", "", "preprocessing step id")
	_ = cmd.MarkFlagRequired("merchant")
	return cmd
}

func attemptListCmd() *cobra.Command {
	var (
		f         repo.AttemptFilter
		paymentID string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List attempts of a payment, or of a merchant from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					items []domain.PaymentAttempt
					err   error
				)
				if paymentID != "" {
					items, err = a.Router.ListAttemptsByPayment(ctx, f.MerchantID, paymentID)
				} else {
					items, err = a.Repo.ListAttempts(ctx, f)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Attempt", "Payment", "Status", "Amount", "Connector", "Connector Txn", "Updated By"})
				for _, at := range items {
					tw.AppendRow(table.Row{at.AttemptID, at.PaymentID, at.Status, fmt.Sprintf("%d %s", at.Amount, at.Currency),
						deref(at.Connector), deref(at.ConnectorTransactionID), at.UpdatedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.MerchantID, "merchant", "", "merchant id")
	cmd.Flags().StringVar(&paymentID, "payment", "", "payment id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Connector, "connector", "", "connector filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	_ = cmd.MarkFlagRequired("merchant")
	return cmd
}

func drainCmd() *cobra.Command {
	d := &cobra.Command{Use: "drain", Short: "Inspect and replay drain intents"}
	d.AddCommand(drainReplayCmd())
	d.AddCommand(drainShowCmd())
	return d
}

func drainReplayCmd() *cobra.Command {
	var (
		after int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Apply SQL outbox intents to the database, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				records, err := a.Outbox.After(ctx, after, limit)
				if err != nil {
					return err
				}
				cursor := after
				for _, rec := range records {
					if err := drain.Apply(ctx, a.Repo, rec.Intent); err != nil {
						return fmt.Errorf("intent %d (%s): %w; resume with --after %d", rec.ID, rec.PartitionKey, err, cursor)
					}
					cursor = rec.ID
				}
				fmt.Printf("Replayed %d intent(s); next cursor %d\n", len(records), cursor)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "replay intents with id greater than this cursor")
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum intents per run")
	return cmd
}

func drainShowCmd() *cobra.Command {
	var merchantID, paymentID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the redis drain stream entries of one payment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, ok := a.Drain.(drain.RedisStreamQueue)
				if !ok {
					return fmt.Errorf("drainer backend is %s, not redis", a.Config.Drainer.Backend)
				}
				entries, err := q.Read(ctx, domain.AttemptKey(merchantID, paymentID))
				if err != nil {
					return err
				}
				return printJSON(entries)
			})
		},
	}
	cmd.Flags().StringVar(&merchantID, "merchant", "", "merchant id")
	cmd.Flags().StringVar(&paymentID, "payment", "", "payment id")
	_ = cmd.MarkFlagRequired("merchant")
	_ = cmd.MarkFlagRequired("payment")
	return cmd
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin API bearer token signed with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is not set; run sl init or set SWITCHLINE_SERVER_JWT_SECRET")
			}
			now := time.Now()
			token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   subject,
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				},
				Scopes: scopes,
			})
			signed, err := token.SignedString([]byte(cfg.Server.JWTSecret))
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "limit the token to a scope, e.g. tasks:write (repeatable; none grants all)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
