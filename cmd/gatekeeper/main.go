// gatekeeper es el binario del servicio: serve corre el gatekeeper completo,
// y los verbos mint/revoke/rotate-key operan contra la misma configuración
// sin levantar el server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/gatekeeper/internal/cache"
	"github.com/dropDatabas3/gatekeeper/internal/config"
	"github.com/dropDatabas3/gatekeeper/internal/gatekeeper"
	httpx "github.com/dropDatabas3/gatekeeper/internal/http"
	"github.com/dropDatabas3/gatekeeper/internal/metrics"
	"github.com/dropDatabas3/gatekeeper/internal/monitor"
	"github.com/dropDatabas3/gatekeeper/internal/monitor/dispatch"
	"github.com/dropDatabas3/gatekeeper/internal/observability/logger"
	"github.com/dropDatabas3/gatekeeper/internal/rate"
	"github.com/dropDatabas3/gatekeeper/internal/security/keys"
	"github.com/dropDatabas3/gatekeeper/internal/security/revocation"
	"github.com/dropDatabas3/gatekeeper/internal/security/secretbox"
	"github.com/dropDatabas3/gatekeeper/internal/security/token"
	"github.com/dropDatabas3/gatekeeper/internal/store"
	"github.com/dropDatabas3/gatekeeper/internal/validation"
)

func main() {
	var (
		envFile    string
		configPath string
	)

	root := &cobra.Command{
		Use:           "gatekeeper",
		Short:         "security gatekeeper: tokens, revocación, rate limiting, validación de inputs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "ruta a .env (opcional)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "ruta a config.yaml (opcional)")

	load := func() (*config.Config, error) {
		if envFile != "" {
			_ = godotenv.Load(envFile)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		logger.Init(logger.Config{
			Env:         cfg.App.Env,
			Level:       cfg.Log.Level,
			ServiceName: "gatekeeper",
		})
		return cfg, nil
	}

	root.AddCommand(serveCmd(load))
	root.AddCommand(mintCmd(load))
	root.AddCommand(revokeCmd(load))
	root.AddCommand(rotateKeyCmd(load))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type loader func() (*config.Config, error)

func buildCache(cfg *config.Config) (cache.Client, error) {
	return cache.New(cache.Config{
		Driver:   cfg.Cache.Driver,
		Addr:     cfg.Cache.Redis.Addr,
		Password: cfg.Cache.Redis.Password,
		DB:       cfg.Cache.Redis.DB,
		Prefix:   cfg.Cache.Redis.Prefix,
	})
}

func buildAuthority(cfg *config.Config, rev *revocation.Store, metadata token.MetadataRecorder) (*token.Authority, error) {
	return token.New(token.Config{
		Issuer:      cfg.Token.Issuer,
		Audience:    cfg.Token.Audience,
		AccessTTL:   config.Dur(cfg.Token.AccessTTL, 15*time.Minute),
		MaxTTL:      config.Dur(cfg.Token.MaxTTL, 24*time.Hour),
		Roles:       cfg.Token.Roles,
		SigningSeed: cfg.Token.SigningSeed,
	}, rev, metadata)
}

// multiRecorder duplica la metadata de tokens al índice del cache y al
// archive durable. El archive es best-effort: su error sólo se loguea.
type multiRecorder struct {
	primary token.MetadataRecorder
	archive *store.Archive
}

func (m *multiRecorder) RecordToken(ctx context.Context, subject, jti, sessionID, tokenType string, expiresAt time.Time) error {
	err := m.primary.RecordToken(ctx, subject, jti, sessionID, tokenType, expiresAt)
	if m.archive != nil {
		if aerr := m.archive.RecordToken(ctx, subject, jti, sessionID, tokenType, expiresAt); aerr != nil {
			logger.From(ctx).Warn("archive token mirror failed", logger.Err(aerr))
		}
	}
	return err
}

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "levanta el servicio HTTP de decisión",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			c, err := buildCache(cfg)
			if err != nil {
				return fmt.Errorf("cache: %w", err)
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// canales de alerta en orden de preferencia
			var channels []dispatch.Channel
			if cfg.Alerts.PagerURL != "" {
				channels = append(channels, dispatch.NewWebhook("pager", cfg.Alerts.PagerURL))
			}
			if cfg.Alerts.ChatURL != "" {
				channels = append(channels, dispatch.NewWebhook("chat", cfg.Alerts.ChatURL))
			}
			if cfg.SMTP.Host != "" {
				channels = append(channels, dispatch.NewSMTP(cfg))
			}
			var dispatcher monitor.Dispatcher
			if len(channels) > 0 {
				dispatcher = dispatch.New(channels, config.Dur(cfg.Monitor.ConfirmTimeout, 30*time.Second))
			}

			var archive *store.Archive
			var archiver monitor.Archiver
			if cfg.Archive.Enabled {
				// con master key, las trazas archivadas se cifran en reposo
				var box *secretbox.Box
				if cfg.Keys.MasterKey != "" {
					km, kerr := keys.NewManager(cfg.Keys.MasterKey, c,
						config.Dur(cfg.Keys.OverlapWindow, 24*time.Hour),
						config.Dur(cfg.Keys.DerivedTTL, 10*time.Minute))
					if kerr != nil {
						return fmt.Errorf("key manager: %w", kerr)
					}
					box = secretbox.New(km)
				}
				archive, err = store.New(ctx, cfg, box)
				if err != nil {
					// el archive degrada capacidades, no tumba el servicio
					logger.L().Error("archive unavailable, continuing without it", logger.Err(err))
					archive = nil
				} else {
					archiver = archive
					defer archive.Close()
				}
			}

			mon := monitor.New(cfg, dispatcher, archiver)
			rev := revocation.New(c, mon)

			var metadata token.MetadataRecorder = rev
			if archive != nil {
				metadata = &multiRecorder{primary: rev, archive: archive}
				// la revocación masiva junta el índice del cache con el durable
				rev.SetFallbackIndex(archive)
				go archive.RunPurge(ctx, time.Hour)
			}
			authority, err := buildAuthority(cfg, rev, metadata)
			if err != nil {
				return fmt.Errorf("token authority: %w", err)
			}
			authority.SetFailureSink(mon)

			validator, err := validation.New(cfg)
			if err != nil {
				return fmt.Errorf("validator: %w", err)
			}

			limiter := rate.New(c, cfg, mon, mon)
			if cfg.Rate.Adaptive.Enabled {
				go limiter.RunAdaptive(ctx, config.Dur(cfg.Rate.Adaptive.Interval, 5*time.Minute))
			}
			go mon.RunEscalation(ctx, 30*time.Second)

			if err := metrics.Register(nil); err != nil {
				return fmt.Errorf("metrics: %w", err)
			}

			gk := gatekeeper.New(limiter, authority, validator, mon)
			var traces httpx.IncidentTraceReader
			if archive != nil {
				traces = archive
			}
			api := httpx.NewAPI(gk, authority, rev, mon, c, traces)
			srv := httpx.NewServer(cfg.Server.Addr, api.Router())

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}
}

func mintCmd(load loader) *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "emite un token firmado para un subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			c, err := buildCache(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			rev := revocation.New(c, nil)
			authority, err := buildAuthority(cfg, rev, rev)
			if err != nil {
				return err
			}

			signed, cl, err := authority.Mint(cmd.Context(), subject, roles, ttl)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(map[string]any{"token": signed, "claims": cl}, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "principal del token (obligatorio)")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "roles del token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "vida del token (0 = default configurado)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func revokeCmd(load loader) *cobra.Command {
	var (
		jti       string
		subject   string
		tokenType string
		reason    string
	)
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "revoca un token por jti, o todos los de un subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jti == "" && subject == "" {
				return fmt.Errorf("se necesita --jti o --subject")
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			c, err := buildCache(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			rev := revocation.New(c, nil)
			if jti != "" {
				rev.Revoke(cmd.Context(), jti, subject, tokenType, reason, time.Time{})
				fmt.Println("revoked:", jti)
				return nil
			}
			n := rev.RevokeAllForSubject(cmd.Context(), subject, reason)
			fmt.Printf("revoked %d token(s) for %s\n", n, subject)
			return nil
		},
	}
	cmd.Flags().StringVar(&jti, "jti", "", "id del token a revocar")
	cmd.Flags().StringVar(&subject, "subject", "", "revoca todos los tokens del subject")
	cmd.Flags().StringVar(&tokenType, "type", "access", "tipo de token (access|refresh)")
	cmd.Flags().StringVar(&reason, "reason", "manual", "motivo de la revocación")
	return cmd
}

func rotateKeyCmd(load loader) *cobra.Command {
	var kctx string
	cmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "rota la clave derivada de un contexto de cifrado",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			c, err := buildCache(cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			km, err := keys.NewManager(cfg.Keys.MasterKey, c,
				config.Dur(cfg.Keys.OverlapWindow, 24*time.Hour),
				config.Dur(cfg.Keys.DerivedTTL, 10*time.Minute))
			if err != nil {
				return err
			}
			if err := km.Rotate(cmd.Context(), strings.TrimSpace(kctx)); err != nil {
				return err
			}
			fmt.Println("rotated context:", kctx)
			return nil
		},
	}
	cmd.Flags().StringVar(&kctx, "context", "", "contexto de cifrado a rotar (obligatorio)")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}
