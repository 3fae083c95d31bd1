package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/acmacalister/hammerhead"
)

func main() {
	var (
		// Config file (takes precedence over individual flags)
		configPath = flag.String("config", "", "path to config file (default: search ./hammerhead.yaml, ~/.hammerhead/hammerhead.yaml, /etc/hammerhead/hammerhead.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")

		// Overrides for the most common settings
		hostname        = flag.String("hostname", "", "hostname clients use to reach the proxy")
		port            = flag.Int("port", 0, "main listener port")
		crossDomainPort = flag.Int("cross-domain-port", -1, "cross-domain listener port (0 disables it)")
		verbose         = flag.Bool("v", false, "verbose logging")

		// One-shot helpers
		genCA          = flag.Bool("gen-ca", false, "generate a new CA certificate and exit")
		genClientCert  = flag.String("gen-client-cert", "", "issue a client certificate with this common name from the CA and exit")
		genAdminToken  = flag.Bool("gen-admin-token", false, "print a new random admin token and exit")
		printErrorPage = flag.Bool("print-error-page", false, "print default error page template and exit")
	)
	flag.Parse()

	// Bootstrap logger until the configured one is built
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if *printErrorPage {
		fmt.Println(hammerhead.DefaultErrorPageHTML)
		return
	}

	if *genAdminToken {
		token, err := hammerhead.GenerateAdminToken()
		if err != nil {
			logger.Error("generate admin token", "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if *genConfig {
		if err := hammerhead.WriteExampleConfig("hammerhead.yaml"); err != nil {
			logger.Error("generate config", "error", err)
			os.Exit(1)
		}
		fmt.Println("Generated hammerhead.yaml")
		return
	}

	cfg, err := hammerhead.LoadConfig(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	if *hostname != "" {
		cfg.Server.Hostname = *hostname
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *crossDomainPort >= 0 {
		cfg.Server.CrossDomainPort = *crossDomainPort
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	if *genCA {
		if err := generateCA(cfg.TLS.CACert, cfg.TLS.CAKey, cfg.TLS.Organization); err != nil {
			logger.Error("generate CA", "error", err)
			os.Exit(1)
		}
		return
	}

	if *genClientCert != "" {
		if err := generateClientCert(cfg.TLS.CACert, cfg.TLS.CAKey, *genClientCert); err != nil {
			logger.Error("generate client certificate", "error", err)
			os.Exit(1)
		}
		return
	}

	logger, closer, err := hammerhead.NewLogger(cfg.Logging)
	if err != nil {
		slog.Error("build logger", "error", err)
		os.Exit(1)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("proxy error", "error", err)
		_ = closer.Close()
		os.Exit(1)
	}
}

func run(cfg *hammerhead.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions := hammerhead.NewSessionRegistry()
	sessions.Logger = logger
	sessions.DefaultScripts = cfg.Rewrite.InjectScripts

	proxy := hammerhead.NewProxy(cfg.Codec(), sessions)
	proxy.Logger = logger
	proxy.DestinationTimeout = cfg.Destination.Timeout
	proxy.MaxRewriteSize = cfg.Rewrite.MaxRewriteSize
	proxy.ReadTimeout = cfg.Server.ReadTimeout
	proxy.WriteTimeout = cfg.Server.WriteTimeout
	proxy.IdleTimeout = cfg.Server.IdleTimeout
	proxy.RequestHooks, proxy.ResponseHooks = cfg.BuildHooks()

	tp, err := cfg.BuildTransportPool()
	if err != nil {
		return fmt.Errorf("build transport pool: %w", err)
	}
	proxy.TransportPool = tp

	creds := hammerhead.NewCredentialCache(hammerhead.EnvCredentials)
	proxy.Credentials = creds

	if cfg.Metrics.Enabled {
		proxy.Metrics = hammerhead.NewMetrics()
		sessions.Metrics = proxy.Metrics
		creds.Metrics = proxy.Metrics
		logger.Info("prometheus metrics enabled at /metrics")
	}

	if rl := cfg.BuildRateLimiter(); rl != nil {
		proxy.RateLimiter = rl
		defer rl.Close()
	}
	proxy.BodyLimiter = cfg.BuildBodyLimiter()
	if cfg.Logging.AccessLog {
		proxy.AccessLog = hammerhead.NewAccessLogger(logger.With("component", "access"))
		proxy.AccessLog.SlowThreshold = cfg.Logging.SlowRequest
	}

	ep := hammerhead.NewErrorPage()
	if cfg.ErrorPage.TemplatePath != "" {
		ep, err = hammerhead.NewErrorPageFromFile(cfg.ErrorPage.TemplatePath)
		if err != nil {
			return fmt.Errorf("load error page template: %w", err)
		}
		logger.Info("loaded custom error page", "file", cfg.ErrorPage.TemplatePath)
	}
	ep.Templates = cfg.ErrorTemplates()
	proxy.ErrorPage = ep

	// Global request filter rules
	loader, err := cfg.BuildRuleLoader()
	if err != nil {
		return fmt.Errorf("build rule loader: %w", err)
	}
	filter := hammerhead.NewReloadableFilter(loader)
	filter.OnReload = func(count int) {
		logger.Info("loaded filter rules", "count", count)
		if proxy.Metrics != nil {
			proxy.Metrics.RecordFilterReload()
			proxy.Metrics.SetFilterRuleCount(count)
		}
	}
	filter.OnError = func(err error) {
		logger.Warn("filter reload failed", "error", err)
		if proxy.Metrics != nil {
			proxy.Metrics.RecordFilterReloadError()
		}
	}
	_ = filter.Load(ctx)
	if len(cfg.Rules.Sources) > 0 && cfg.Rules.ReloadInterval > 0 {
		cancel := filter.StartAutoReload(ctx, cfg.Rules.ReloadInterval)
		defer cancel()
		logger.Info("filter auto-reload enabled", "interval", cfg.Rules.ReloadInterval)
	}
	proxy.Filter = filter

	// HTTPS listeners
	var rotator *hammerhead.CertRotator
	if cfg.Server.Protocol == "https" {
		rotator, err = cfg.BuildCertRotator()
		if err != nil {
			logger.Info("hint: run with -gen-ca to generate a new CA certificate")
			return fmt.Errorf("load listener certificates: %w", err)
		}
		rotator.Logger = logger
		rotator.Metrics = proxy.Metrics
		rotator.CertManager().Metrics = proxy.Metrics
		proxy.CertRotator = rotator
		if cfg.TLS.WatchInterval > 0 {
			go rotator.Watch(ctx, cfg.TLS.WatchInterval, cfg.CertPaths()...)
		}

		clientAuth, err := cfg.BuildClientAuth()
		if err != nil {
			return fmt.Errorf("load client CA: %w", err)
		}
		if clientAuth != nil {
			proxy.ClientAuth = clientAuth
			logger.Info("client certificates required", "optional", clientAuth.Optional)
		}
	}

	reloads := []hammerhead.ReloadFunc{hammerhead.FilterReload(filter)}
	if rotator != nil {
		reloads = append(reloads, hammerhead.CertReload(rotator))
	}
	reload := hammerhead.Reloads(reloads...)

	if cfg.Admin.Enabled {
		admin := hammerhead.NewAdminAPI(proxy)
		admin.Logger = logger
		admin.PathPrefix = cfg.Admin.PathPrefix
		admin.ReloadFunc = reload
		if len(cfg.Admin.Tokens) > 0 {
			admin.Tokens = hammerhead.NewAdminTokens(cfg.Admin.Tokens...)
		} else {
			logger.Warn("admin API is open; set admin.tokens to restrict it")
		}
		proxy.Admin = admin
		logger.Info("admin API enabled", "prefix", admin.PathPrefix)
	}

	reloader := hammerhead.WatchSIGHUP(reload, logger)
	defer reloader.Cancel()

	health := hammerhead.NewHealthChecker()
	health.Sessions = sessions
	if len(cfg.Rules.Sources) > 0 {
		health.ReadinessChecks = append(health.ReadinessChecks, hammerhead.RulesLoadedCheck(filter))
	}
	proxy.Health = health

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := proxy.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	health.SetAlive(true)
	health.SetReady(true)
	logger.Info("starting proxy",
		"hostname", cfg.Server.Hostname,
		"port", cfg.Server.Port,
		"cross_domain_port", cfg.Server.CrossDomainPort,
		"protocol", cfg.Server.Protocol,
	)

	return proxy.ListenAndServe()
}

func generateCA(certPath, keyPath, org string) error {
	// Check if files already exist
	if _, err := os.Stat(certPath); err == nil {
		return fmt.Errorf("CA certificate already exists at %s", certPath)
	}
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("CA key already exists at %s", keyPath)
	}

	slog.Info("generating CA certificate", "org", org)

	certPEM, keyPEM, err := hammerhead.GenerateCA(org, 10) // 10 year validity
	if err != nil {
		return err
	}

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	slog.Info("CA certificate generated", "cert", certPath, "key", keyPath)
	slog.Info("add the CA certificate to the trust store of the browsers under test")

	return nil
}

func generateClientCert(caCertPath, caKeyPath, cn string) error {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("read CA cert: %w", err)
	}
	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return fmt.Errorf("read CA key: %w", err)
	}

	certPEM, keyPEM, err := hammerhead.GenerateClientCert(caCertPEM, caKeyPEM, cn, 1)
	if err != nil {
		return err
	}

	certPath, keyPath := cn+".crt", cn+".key"
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write client cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write client key: %w", err)
	}

	slog.Info("client certificate generated", "cn", cn, "cert", certPath, "key", keyPath)
	return nil
}
