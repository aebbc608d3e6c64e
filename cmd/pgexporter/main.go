// Command pgexporter is the metrics/console/bridge/control-plane
// supervisor of spec.md §6's CLI: `pgexporter [-c conf] [-u users]
// [-A admins] [-Y yaml|-J json] [-D dir] [-d] [-C c1,c2,…] [-V] [-?]`.
package main

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/promlog"
	"github.com/prometheus/common/promlog/flag"
	"github.com/prometheus/common/version"
	"github.com/prometheus/exporter-toolkit/web"
	"github.com/prometheus/exporter-toolkit/web/kingpinflag"

	"github.com/pgexporter/pgexporter/internal/acceptor"
	"github.com/pgexporter/pgexporter/internal/bridge"
	"github.com/pgexporter/pgexporter/internal/cache"
	"github.com/pgexporter/pgexporter/internal/collector"
	"github.com/pgexporter/pgexporter/internal/config"
	"github.com/pgexporter/pgexporter/internal/console"
	"github.com/pgexporter/pgexporter/internal/control"
	"github.com/pgexporter/pgexporter/internal/pgexporter"
	"github.com/pgexporter/pgexporter/internal/registry"
	"github.com/pgexporter/pgexporter/internal/secrets"
)

// configStore is the control plane's atomically-swapped live
// configuration, per spec.md §9's non-fork redesign.
type configStore struct {
	cfg atomic.Pointer[config.Config]
}

func (s *configStore) Current() *config.Config  { return s.cfg.Load() }
func (s *configStore) Swap(next *config.Config) { s.cfg.Store(next) }

func main() {
	promlogConfig := &promlog.Config{}
	toolkitFlags := kingpinflag.AddFlags(kingpin.CommandLine, ":5002")

	confFile := kingpin.Flag("config", "Main configuration file.").Short('c').Default("/etc/pgexporter/pgexporter.conf").String()
	usersFile := kingpin.Flag("users", "Users file.").Short('u').String()
	adminsFile := kingpin.Flag("admins", "Admins file.").Short('A').String()
	yamlPath := kingpin.Flag("yaml", "Additional YAML metric definitions.").Short('Y').String()
	jsonPath := kingpin.Flag("json", "Additional JSON metric definitions.").Short('J').String()
	metricsDir := kingpin.Flag("dir", "Directory of additional metric definitions.").Short('D').String()
	daemonize := kingpin.Flag("daemon", "Run detached from the controlling terminal.").Short('d').Bool()
	collectors := kingpin.Flag("collectors", "Comma-separated collector allow-list.").Short('C').String()

	flag.AddFlags(kingpin.CommandLine, promlogConfig)
	kingpin.Version(version.Print("pgexporter"))
	kingpin.HelpFlag.Short('?')
	kingpin.CommandLine.VersionFlag.Short('V')
	kingpin.Parse()

	pgexporter.Logger = promlog.New(promlogConfig)
	logger := pgexporter.With("main")

	if *daemonize {
		level.Warn(logger).Log("msg", "daemon mode has no effect: this build serves requests goroutine-per-connection and never forks")
	}

	cfg, err := config.Load(*confFile)
	if err != nil {
		pgexporter.Fatal(logger, "loading configuration", err)
	}
	if *collectors != "" {
		cfg.CollectorFilter = map[string]bool{}
		for _, name := range strings.Split(*collectors, ",") {
			cfg.CollectorFilter[strings.TrimSpace(name)] = true
		}
	}

	var userPaths []string
	if *yamlPath != "" {
		userPaths = append(userPaths, *yamlPath)
	}
	if *jsonPath != "" {
		userPaths = append(userPaths, *jsonPath)
	}
	if *metricsDir != "" {
		userPaths = append(userPaths, *metricsDir)
	}
	reg, err := registry.Load(userPaths...)
	if err != nil {
		pgexporter.Fatal(logger, "loading query registry", err)
	}

	passwordLookup, err := buildPasswordLookup(*usersFile)
	if err != nil {
		pgexporter.Fatal(logger, "loading users file", err)
	}
	adminPasswords, err := buildAdminPasswords(*adminsFile)
	if err != nil {
		pgexporter.Fatal(logger, "loading admins file", err)
	}

	connector := &collector.WireConnector{
		Password:    passwordLookup,
		DialTimeout: 5 * time.Second,
		AuthTimeout: cfg.AuthenticationTimeout,
	}
	coll := collector.New(reg, connector)
	defer coll.Close()

	size := cfg.MetricsCacheMaxSize
	if size < config.DefaultCacheSize {
		size = config.DefaultCacheSize
	}
	if size > config.MaxCacheSize {
		size = config.MaxCacheSize
	}
	scrapeCache := cache.New(int(size), cfg.MetricsCacheMaxAge)

	accept := acceptor.New(cfg, coll, scrapeCache)

	store := &configStore{}
	store.cfg.Store(cfg)
	ctl := &control.Server{
		SocketPath: cfg.UnixSocketDir + "/pgexporter.sock",
		ConfigPath: *confFile,
		Store:      store,
		Cache:      scrapeCache,
		Logger:     pgexporter.With("control"),
		ShutdownFn: func() { os.Exit(0) },
	}
	if cfg.Management > 0 {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			pgexporter.Fatal(logger, "loading management TLS certificate", err)
		}
		ctl.ManagementAddr = fmt.Sprintf(":%d", cfg.Management)
		ctl.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		ctl.AdminPasswords = adminPasswords
	}
	go func() {
		if err := ctl.Serve(); err != nil {
			level.Error(pgexporter.With("control")).Log("msg", "control socket stopped", "err", err)
		}
	}()
	defer ctl.Close()

	consoleView := console.New(func() ([]byte, error) {
		ticket, err := scrapeCache.Acquire(cfg.BlockingTimeout)
		if err != nil {
			return nil, err
		}
		defer ticket.Release()
		body, hit := ticket.Serve(time.Now())
		if !hit {
			return nil, fmt.Errorf("main: no cached scrape available yet for the console")
		}
		return body, nil
	}, func() (map[string]interface{}, error) {
		return control.Status(ctl.SocketPath)
	})

	mux := http.NewServeMux()
	accept.MountOn(mux)
	mux.Handle("/console/", http.StripPrefix("/console", consoleView.Handler()))

	if cfg.Bridge > 0 {
		go func() {
			br := bridge.New(cfg.BridgeEndpoints, &bridge.HTTPFetcher{}, cache.New(int(size), cfg.MetricsCacheMaxAge), cfg.BlockingTimeout, pgexporter.With("bridge"))
			addr := fmt.Sprintf(":%d", cfg.Bridge)
			level.Info(pgexporter.With("bridge")).Log("msg", "starting federation bridge listener", "address", addr)
			if err := http.ListenAndServe(addr, br.Handler()); err != nil {
				level.Warn(pgexporter.With("bridge")).Log("msg", "bridge listener stopped", "err", err)
			}
		}()
	}

	level.Info(logger).Log("msg", "starting pgexporter", "version", version.Info(), "address", strings.Join(*toolkitFlags.WebListenAddresses, ","))
	server := &http.Server{Handler: mux}
	if err := web.ListenAndServe(server, toolkitFlags, pgexporter.Logger); err != nil {
		pgexporter.Fatal(logger, "metrics listener stopped", err)
	}
}

// buildPasswordLookup decrypts users_file once at startup and returns a
// lookup keyed by server username, per spec.md §6's users/admins file
// format.
func buildPasswordLookup(usersFile string) (collector.PasswordLookup, error) {
	if usersFile == "" {
		return func(server *config.Server) (string, error) { return "", nil }, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	key, err := secrets.LoadMasterKey(home)
	if err != nil {
		return nil, err
	}
	creds, err := secrets.LoadFile(usersFile, key)
	if err != nil {
		return nil, err
	}
	byUser := map[string]string{}
	for _, c := range creds {
		byUser[c.Username] = c.Password
	}
	return func(server *config.Server) (string, error) {
		return byUser[server.Username], nil
	}, nil
}

// buildAdminPasswords decrypts admins_file once at startup into a
// username-to-plaintext-password map, the form internal/control's
// management TCP listener needs to drive a server-side SCRAM-SHA-256
// exchange (spec.md §6). An empty path disables management-over-TCP
// entirely by returning no known admins.
func buildAdminPasswords(adminsFile string) (map[string]string, error) {
	if adminsFile == "" {
		return map[string]string{}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	key, err := secrets.LoadMasterKey(home)
	if err != nil {
		return nil, err
	}
	creds, err := secrets.LoadFile(adminsFile, key)
	if err != nil {
		return nil, err
	}
	byUser := map[string]string{}
	for _, c := range creds {
		byUser[c.Username] = c.Password
	}
	return byUser, nil
}
