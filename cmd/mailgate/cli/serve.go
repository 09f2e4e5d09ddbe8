package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mailgate/mailgate/internal/config"
	"github.com/mailgate/mailgate/internal/server"
	"github.com/mailgate/mailgate/internal/service"
)

const banner = `
                 _ _             _
 _ __ ___   __ _(_) | __ _  __ _| |_ ___
| '_ ' _ \ / _' | | |/ _' |/ _' | __/ _ \
| | | | | | (_| | | | (_| | (_| | ||  __/
|_| |_| |_|\__,_|_|_|\__, |\__,_|\__\___|
                     |___/
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Mailgate API server",
		Long:  "Start the HTTP server that verifies card keys and invites and allocates pool mailboxes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(cmd *cobra.Command) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	maxBody, _ := config.ParseSize(cfg.Server.MaxBodySize)
	shutdown, _ := config.ParseDuration(cfg.Server.ShutdownTimeout, server.DefaultConfig().ShutdownTimeout)

	authSvc := service.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.APIKeyHashes)
	if cfg.Auth.JWTSecret == "" && len(cfg.Auth.APIKeyHashes) == 0 {
		a.logger.Warn("no operator credentials configured; operator endpoints will reject every request")
	}

	srvCfg := server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: shutdown,
		CORSOrigins:     cfg.Server.CORS.Origins,
		MaxBodySize:     maxBody,
		VerifyRateLimit: cfg.Server.VerifyRateLimit,
		APIKeyHeader:    cfg.Auth.APIKeyHeader,
	}
	if cfg.Server.TLS.Enabled {
		srvCfg.TLSCertFile = cfg.Server.TLS.CertFile
		srvCfg.TLSKeyFile = cfg.Server.TLS.KeyFile
	}

	srv := server.New(srvCfg, a.gateway, a.store, a.ledger, authSvc, a.checks, a.logger)

	out := cmd.OutOrStdout()
	scheme := "http"
	if srvCfg.TLSCertFile != "" {
		scheme = "https"
	}
	fmt.Fprint(out, banner)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "→ Mailgate %s\n", versionString())
	fmt.Fprintf(out, "→ Listening on %s://%s:%d\n", scheme, srvCfg.Host, srvCfg.Port)
	fmt.Fprintf(out, "→ Health:     %s://%s:%d/healthz\n", scheme, srvCfg.Host, srvCfg.Port)
	fmt.Fprintf(out, "→ Store:      %s, ledger: %s\n", a.store.Driver(), cfg.Ledger.Driver)
	fmt.Fprintln(out)

	return srv.ListenAndServe()
}
