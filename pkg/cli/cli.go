package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eskka-go/discovery/pkg/bootstrap"
	"github.com/eskka-go/discovery/pkg/observability/tracing"
	"github.com/eskka-go/discovery/pkg/transport/grpc"
	"github.com/eskka-go/discovery/pkg/transport/httpjson"
)

// AddAll attaches discovery subcommands (run/status) to the provided root
// command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
}

// NewDiscoveryCommand returns a parent command "discovery" containing
// run/status as subcommands, for embedding in a larger host CLI.
func NewDiscoveryCommand() *cobra.Command {
	parent := &cobra.Command{Use: "discovery", Short: "discovery node management commands"}
	parent.AddCommand(NewRunCmd())
	parent.AddCommand(NewStatusCmd())
	return parent
}

// NewRunCmd returns the "run" command used to start a discovery node. Flags
// are bound to viper so values may also come from a --config file or
// DISCOVERY_-prefixed environment variables, with flags taking precedence.
func NewRunCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a discovery node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "optional YAML/JSON config file; flags override file values")
	cmd.Flags().String("id", "", "node id (required)")
	cmd.Flags().String("mem-bind", ":7946", "gossip bind addr (host:port)")
	cmd.Flags().String("mem-adv", "", "gossip advertise addr (host:port, optional)")
	cmd.Flags().String("rpc-addr", ":17946", "rpc bind addr (host:port)")
	cmd.Flags().String("rpc-proto", "grpc", "rpc protocol: grpc|http")
	cmd.Flags().String("seed-kind", "static", "seed source: static|dns|file")
	cmd.Flags().String("seeds", "", "comma-separated seed nodes (host:port) — used by seed-kind=static")
	cmd.Flags().String("dns-names", "", "comma-separated DNS names or SRV records — used by seed-kind=dns")
	cmd.Flags().Int("dns-port", 7946, "port used for A/AAAA lookups")
	cmd.Flags().Duration("seed-refresh", 5*time.Second, "dns/file seed source refresh interval")
	cmd.Flags().String("file-path", "", "path or glob to a file with seeds — used by seed-kind=file")
	cmd.Flags().String("file-env", "", "ENV var name containing CSV seeds; overrides file when set")
	cmd.Flags().Duration("eval-delay", 2*time.Second, "partition monitor evaluation delay after an unreachable observation")
	cmd.Flags().Duration("ping-timeout", 2*time.Second, "per-voter quorum ping timeout")
	cmd.Flags().Duration("publish-timeout", 0, "master publish ack deadline (0 = default)")
	cmd.Flags().Duration("rpc-timeout", 3*time.Second, "default RPC call timeout")
	cmd.Flags().Bool("tls-enable", false, "enable mTLS for the RPC transport")
	cmd.Flags().String("tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().String("tls-cert", "", "path to node certificate (PEM)")
	cmd.Flags().String("tls-key", "", "path to node private key (PEM)")
	cmd.Flags().Bool("tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().String("tls-server-name", "", "expected server name (for TLS validation)")
	cmd.Flags().Bool("trace", false, "enable OpenTelemetry stdout tracing (dev)")
	return cmd
}

func runNode(cmd *cobra.Command, configFile string) error {
	v := viper.New()
	v.SetEnvPrefix("discovery")
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	id := v.GetString("id")
	if id == "" {
		return fmt.Errorf("missing --id")
	}

	ctx, cancel := signalContext()
	defer cancel()

	if v.GetBool("trace") {
		shutdown, err := tracing.Setup(true)
		if err != nil {
			log.Printf("tracing setup error: %v", err)
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	cfg := bootstrap.Config{
		NodeID:         id,
		MemBind:        v.GetString("mem-bind"),
		MemAdv:         v.GetString("mem-adv"),
		RPCAddr:        v.GetString("rpc-addr"),
		RPCProto:       v.GetString("rpc-proto"),
		SeedKind:       v.GetString("seed-kind"),
		SeedsCSV:       v.GetString("seeds"),
		DNSNamesCSV:    v.GetString("dns-names"),
		DNSPort:        v.GetInt("dns-port"),
		SeedRefresh:    v.GetDuration("seed-refresh"),
		FilePath:       v.GetString("file-path"),
		FileEnv:        v.GetString("file-env"),
		EvalDelay:      v.GetDuration("eval-delay"),
		PingTimeout:    v.GetDuration("ping-timeout"),
		PublishTimeout: v.GetDuration("publish-timeout"),
		RPCTimeout:     v.GetDuration("rpc-timeout"),
		TLSEnable:      v.GetBool("tls-enable"),
		TLSCA:          v.GetString("tls-ca"),
		TLSCert:        v.GetString("tls-cert"),
		TLSKey:         v.GetString("tls-key"),
		TLSServerName:  v.GetString("tls-server-name"),
		TLSSkipVerify:  v.GetBool("tls-skip-verify"),
		Logger:         log.Default(),
	}

	f, rpcSrv, err := bootstrap.Run(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if rpcSrv != nil {
			_ = rpcSrv.Stop(sctx)
		}
		_ = f.Stop(sctx)
	}()

	fmt.Println("discovery node running. Press Ctrl+C to exit.")
	<-ctx.Done()
	return nil
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var (
		addr    string
		proto   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch a discovery node's status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			var data []byte
			var err error
			switch proto {
			case "grpc":
				data, err = grpc.NewClient(timeout).GetStatus(ctx, addr)
			default:
				data, err = httpjson.NewClient(timeout).GetStatus(ctx, addr)
			}
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			os.Stdout.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				os.Stdout.Write([]byte("\n"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "rpc address of a node (host:port)")
	cmd.Flags().StringVar(&proto, "proto", "grpc", "rpc protocol: grpc|http")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
