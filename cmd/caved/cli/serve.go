package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cavelabs/caved/internal/server"
)

const banner = `
  ___ __ ___   _____ __| |
 / __/ _` + "`" + ` \ \ / / _ \/ _` + "`" + ` |
| (_| (_| |\ V /  __/ (_| |
 \___\__,_| \_/ \___|\__,_|
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the key daemon HTTP server",
		Long:  "Start the HTTP server that exposes key issuance, rotation, revocation, and webhook verification.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging, CORS *)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(host string, port int, dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	logLevel := slog.LevelInfo
	if dev {
		logLevel = slog.LevelDebug
	}
	logger := newLogger(logLevel)

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("init key store: %w", err)
	}
	logger.Info("key store initialized", "dsn", resolveDSN())

	svc := newKeyService(st, logger)

	hasKeys, err := svc.HasKeys(context.Background())
	if err != nil {
		logger.Warn("failed to check for existing keys", "error", err)
	}
	if !hasKeys {
		logger.Warn("no API keys found - the first POST /api/v1/auth/keys bootstraps an admin key, or run: caved key create")
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Host = host
	srvCfg.Port = port
	srvCfg.ShutdownTimeout = 30 * time.Second
	if origins := viper.GetStringSlice("server.cors.allowed_origins"); len(origins) > 0 && !dev {
		srvCfg.CORSOrigins = origins
	}
	if perMin := viper.GetInt("server.ip_requests_per_minute"); perMin > 0 {
		srvCfg.IPRequestsPerMin = perMin
	}

	srv := server.New(srvCfg, st, svc, logger)

	fmt.Printf("→ caved %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", host, port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", host, port)
	fmt.Println()

	return srv.ListenAndServe()
}
