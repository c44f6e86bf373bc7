package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/ppplink/pkg/accounting"
	"github.com/codelaboratoryltd/ppplink/pkg/cpfsm"
	"github.com/codelaboratoryltd/ppplink/pkg/ipcp"
	"github.com/codelaboratoryltd/ppplink/pkg/lcp"
	"github.com/codelaboratoryltd/ppplink/pkg/link"
	"github.com/codelaboratoryltd/ppplink/pkg/metrics"
	"github.com/codelaboratoryltd/ppplink/pkg/ppp"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ppplink",
	Short:   "PPP link engine",
	Long:    `ppplink negotiates and runs a single RFC 1661 PPP session over a byte-oriented transport, authenticating peers and emitting RADIUS accounting.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Negotiate and run one PPP session",
	RunE:  runLink,
}

var (
	configFile  string
	logLevel    string
	metricsAddr string

	listenAddr  string
	connectAddr string

	nasID           string
	sessionID       string
	mru             uint16
	interimInterval time.Duration

	poolNetwork string
	ourIP       string
	peerIP      string

	requireAuth bool

	credentialsFile string

	identityName       string
	identitySecret     string
	identitySecretFile string

	radiusServers    string
	radiusSecret     string
	radiusSecretFile string
	radiusNASID      string
	radiusTimeout    time.Duration
	radiusEnabled    bool
	radiusPersistPath string
)

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/ppplink/config.yaml",
		"Configuration file path")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090",
		"Prometheus metrics listen address")

	runCmd.Flags().StringVar(&listenAddr, "listen", "",
		"TCP address to accept one peer connection on (mutually exclusive with --connect)")
	runCmd.Flags().StringVar(&connectAddr, "connect", "",
		"TCP address to dial the peer on (mutually exclusive with --listen)")

	runCmd.Flags().StringVar(&nasID, "nas-id", "ppplink",
		"NAS-Identifier for this session")
	runCmd.Flags().StringVar(&sessionID, "session-id", "",
		"Session identifier (generated if empty)")
	runCmd.Flags().Uint16Var(&mru, "mru", 1500,
		"Desired MRU")
	runCmd.Flags().DurationVar(&interimInterval, "interim-interval", 10*time.Second,
		"RADIUS accounting interim-update interval")

	runCmd.Flags().StringVar(&poolNetwork, "pool-network", "",
		"CIDR to allocate the peer's IPCP address from (e.g. 10.0.1.0/24)")
	runCmd.Flags().StringVar(&ourIP, "our-ip", "",
		"This end's IPCP address (dotted quad); empty lets the peer assign it")
	runCmd.Flags().StringVar(&peerIP, "peer-ip", "",
		"Static peer IPCP address (dotted quad); overrides --pool-network")

	runCmd.Flags().BoolVar(&requireAuth, "require-auth", false,
		"Demand the peer authenticate to us via PAP")

	runCmd.Flags().StringVar(&credentialsFile, "credentials-file", "",
		"Path to a \"user:password\" per line file used to authenticate the peer")

	runCmd.Flags().StringVar(&identityName, "identity-name", "",
		"Our identity when the peer demands we authenticate to them")
	runCmd.Flags().StringVar(&identitySecret, "identity-secret", "",
		"Our PAP secret (DEPRECATED: visible in ps output, use --identity-secret-file instead)")
	runCmd.Flags().StringVar(&identitySecretFile, "identity-secret-file", "",
		"Path to file containing our PAP secret")

	runCmd.Flags().StringVar(&radiusServers, "radius-servers", "",
		"RADIUS accounting server addresses (comma-separated, e.g. 'radius1.example.com:1813,radius2.example.com:1813')")
	runCmd.Flags().StringVar(&radiusSecret, "radius-secret", "",
		"RADIUS shared secret (DEPRECATED: visible in ps output, use --radius-secret-file instead)")
	runCmd.Flags().StringVar(&radiusSecretFile, "radius-secret-file", "",
		"Path to file containing the RADIUS shared secret")
	runCmd.Flags().StringVar(&radiusNASID, "radius-nas-id", "",
		"RADIUS NAS-Identifier (defaults to --nas-id)")
	runCmd.Flags().DurationVar(&radiusTimeout, "radius-timeout", 3*time.Second,
		"RADIUS request timeout")
	runCmd.Flags().BoolVar(&radiusEnabled, "radius-enabled", false,
		"Enable RADIUS accounting")
	runCmd.Flags().StringVar(&radiusPersistPath, "radius-persist-path", "",
		"File to persist the accounting retry queue to, for crash recovery (disabled if empty)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ppplink version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

func runLink(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	if err := loadConfigFile(cmd, logger); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if listenAddr == "" && connectAddr == "" {
		return fmt.Errorf("one of --listen or --connect is required")
	}
	if listenAddr != "" && connectAddr != "" {
		return fmt.Errorf("--listen and --connect are mutually exclusive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	metricsCollector := metrics.New(logger)
	if err := metricsCollector.Register(); err != nil {
		logger.Warn("Failed to register metrics", zap.Error(err))
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsCollector.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		server := &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		logger.Info("Starting metrics server", zap.String("addr", metricsAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	linkCfg, err := buildLinkConfig(logger)
	if err != nil {
		return err
	}

	var sink link.AccountingSink
	var acctSink *accounting.Sink
	resolvedRadiusSecret := resolveSecret(radiusSecret, radiusSecretFile, "radius-secret", "radius-secret-file", logger)
	if radiusEnabled && radiusServers != "" && resolvedRadiusSecret != "" {
		nid := radiusNASID
		if nid == "" {
			nid = nasID
		}
		acctSink, err = accounting.New(accounting.Config{
			Servers:     parseRADIUSServers(radiusServers, resolvedRadiusSecret),
			NASID:       nid,
			Timeout:     radiusTimeout,
			PersistPath: radiusPersistPath,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create accounting sink: %w", err)
		}
		acctSink.SetMetrics(metricsCollector)
		defer acctSink.Close()
		sink = acctSink
		logger.Info("RADIUS accounting enabled", zap.String("servers", radiusServers))
	} else {
		sink = noopSink{}
		logger.Warn("RADIUS accounting disabled; accounting records will be discarded")
	}

	conn, err := dialOrAccept(ctx, logger)
	if err != nil {
		return err
	}
	tr := newConnTransport(conn)

	l, err := link.New(linkCfg, tr, sink, logger)
	if err != nil {
		return fmt.Errorf("failed to build link: %w", err)
	}
	l.SetMetrics(metricsCollector)

	logger.Info("Starting PPP link",
		zap.String("session_id", l.SessionID()),
		zap.String("nas_id", nasID),
	)
	l.Start()

	go func() {
		for {
			frame, err := tr.Recv()
			if err != nil {
				logger.Info("transport closed", zap.Error(err))
				cancel()
				return
			}
			l.FrameIn(frame)
		}
	}()

	<-ctx.Done()
	l.Close("administratively down")
	logger.Info("ppplink stopped")
	return nil
}

func buildLinkConfig(logger *zap.Logger) (link.Config, error) {
	lcpCfg := lcp.DefaultConfig()
	lcpCfg.MRU = mru
	if requireAuth {
		lcpCfg.RequireAuth = &ppp.AuthProto{Kind: ppp.AuthPap}
	}
	lcpCfg.AcceptAuth = []ppp.AuthProto{{Kind: ppp.AuthPap}}

	ipcpCfg := ipcp.Config{}
	if ourIP != "" {
		addr, ok := parseIPv4(ourIP)
		if !ok {
			return link.Config{}, fmt.Errorf("invalid --our-ip %q", ourIP)
		}
		ipcpCfg.OurIP = addr
	}
	if peerIP != "" {
		addr, ok := parseIPv4(peerIP)
		if !ok {
			return link.Config{}, fmt.Errorf("invalid --peer-ip %q", peerIP)
		}
		ipcpCfg.PeerIP = addr
	} else if poolNetwork != "" {
		pool, err := newSequentialPool(poolNetwork)
		if err != nil {
			return link.Config{}, err
		}
		ipcpCfg.Pool = pool
	}

	cfg := link.Config{
		SessionID:       sessionID,
		NASIdentifier:   nasID,
		LCP:             lcpCfg,
		LCPTiming:       cpfsm.DefaultTiming(),
		IPCP:            ipcpCfg,
		IPCPTiming:      cpfsm.DefaultTiming(),
		InterimInterval: interimInterval,
	}

	if credentialsFile != "" {
		provider, err := newFileCredentialProvider(credentialsFile)
		if err != nil {
			return link.Config{}, err
		}
		cfg.PeerProvider = provider
	}

	resolvedIdentitySecret := resolveSecret(identitySecret, identitySecretFile, "identity-secret", "identity-secret-file", logger)
	if identityName != "" && resolvedIdentitySecret != "" {
		cfg.ProveIdentity = &link.ProveIdentity{Name: identityName, Secret: resolvedIdentitySecret}
	}

	return cfg, nil
}

func dialOrAccept(ctx context.Context, logger *zap.Logger) (net.Conn, error) {
	if connectAddr != "" {
		d := net.Dialer{}
		logger.Info("Dialing peer", zap.String("addr", connectAddr))
		return d.DialContext(ctx, "tcp", connectAddr)
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}
	defer ln.Close()
	logger.Info("Waiting for peer connection", zap.String("addr", listenAddr))

	type result struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		resCh <- result{conn, err}
	}()

	select {
	case r := <-resCh:
		if r.err != nil {
			return nil, fmt.Errorf("failed to accept connection: %w", r.err)
		}
		logger.Info("Accepted peer connection", zap.String("remote", r.conn.RemoteAddr().String()))
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// noopSink discards accounting records; used when RADIUS accounting is
// not configured so the Link orchestrator never blocks on a nil sink.
type noopSink struct{}

func (noopSink) Emit(accounting.Record) {}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"
	return config.Build()
}

// loadConfigFile reads a YAML config file and applies values to unset
// flags. CLI flags take precedence over config file values.
func loadConfigFile(cmd *cobra.Command, logger *zap.Logger) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg map[string]string
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}

	logger.Info("Loaded config file", zap.String("path", configFile), zap.Int("keys", len(cfg)))

	for key, val := range cfg {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			logger.Warn("Unknown config key, skipping", zap.String("key", key))
			continue
		}
		if cmd.Flags().Changed(key) {
			continue
		}
		if err := cmd.Flags().Set(key, val); err != nil {
			logger.Warn("Failed to set config value",
				zap.String("key", key), zap.String("value", val), zap.Error(err))
		}
	}
	return nil
}

// resolveSecret reads a secret from a file if the file flag is set,
// falling back to the direct string flag.
func resolveSecret(direct, filePath, directFlag, fileFlag string, logger *zap.Logger) string {
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			logger.Error("Failed to read secret file",
				zap.String("flag", fileFlag), zap.String("path", filePath), zap.Error(err))
			return ""
		}
		secret := strings.TrimSpace(string(data))
		if direct != "" {
			logger.Warn("Both --"+directFlag+" and --"+fileFlag+" set; using file",
				zap.String("file", filePath))
		}
		return secret
	}
	if direct != "" {
		logger.Warn("--"+directFlag+" is deprecated: secret is visible in process listings. Use --"+fileFlag+" instead.",
			zap.String("flag", directFlag))
	}
	return direct
}

// parseRADIUSServers parses comma-separated host[:port] entries into
// accounting.ServerConfig values, defaulting to the RADIUS accounting
// port (1813) when no port is given.
func parseRADIUSServers(servers, secret string) []accounting.ServerConfig {
	var result []accounting.ServerConfig
	for _, s := range strings.Split(servers, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		host, port := parseHostPort(s, 1813)
		result = append(result, accounting.ServerConfig{Host: host, Port: port, Secret: secret})
	}
	return result
}

func parseHostPort(s string, defaultPort int) (string, int) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return s, defaultPort
	}
	host := s[:idx]
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil || port <= 0 || port > 65535 {
		return s, defaultPort
	}
	return host, port
}

func parseIPv4(s string) (uint32, bool) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, false
	}
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3]), true
}
