package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"swcache/internal/swcache"
)

func main() {
	root := &cobra.Command{
		Use:          "swcache",
		Short:        "Offline asset cache in front of a web app",
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().String("config", getenvDefault("SWCACHE_CONFIG", "/swcache.yaml"), "path to swcache.yaml")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Install the configured version and serve requests cache-first",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "install",
			Short: "Precache the configured version without serving",
			RunE:  runInstall,
		},
		&cobra.Command{
			Use:   "activate",
			Short: "Install the configured version and delete every other generation",
			RunE:  runActivate,
		},
		cleanupCmd(),
		&cobra.Command{
			Use:   "generations",
			Short: "List cache generations in the store",
			RunE:  runGenerations,
		},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadService(cmd *cobra.Command) (swcache.Config, *swcache.Service, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := swcache.LoadConfig(path)
	if err != nil {
		return swcache.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	svc, err := swcache.NewService(cfg)
	if err != nil {
		return swcache.Config{}, nil, fmt.Errorf("init service: %w", err)
	}
	return cfg, svc, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, svc, err := loadService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := svc.Start(ctx); err != nil {
		return fmt.Errorf("install %s: %w", cfg.Cache.Version, err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("swcache listening on %s, scope=%s version=%s", addr, cfg.Cache.Scope, cfg.Cache.Version)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	path, _ := cmd.Flags().GetString("config")
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case <-hup:
			next, err := swcache.LoadConfig(path)
			if err != nil {
				log.Printf("reload: %v", err)
				continue
			}
			if _, err := svc.Reload(ctx, next); err != nil {
				log.Printf("reload %s: %v", next.Cache.Version, err)
			}
		}
	}
}

func runInstall(cmd *cobra.Command, _ []string) error {
	cfg, svc, err := loadService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	m, err := svc.NewManager(cfg)
	if err != nil {
		return err
	}
	report, err := m.Install(cmd.Context())
	if err != nil {
		return err
	}
	printInstall(cmd, report)
	return nil
}

func runActivate(cmd *cobra.Command, _ []string) error {
	cfg, svc, err := loadService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	m, err := svc.NewManager(cfg)
	if err != nil {
		return err
	}
	report, err := m.Install(cmd.Context())
	if err != nil {
		return err
	}
	printInstall(cmd, report)
	cleaned, err := m.Activate(cmd.Context())
	for _, name := range cleaned.Deleted {
		cmd.Printf("deleted %s\n", name)
	}
	return err
}

func cleanupCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete every generation except the configured (or given) version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, svc, err := loadService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			m, err := svc.NewManager(cfg)
			if err != nil {
				return err
			}
			report, err := m.Cleanup(cmd.Context(), version)
			for _, name := range report.Deleted {
				cmd.Printf("deleted %s\n", name)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "generation to keep (default: cache.version)")
	return cmd
}

func runGenerations(cmd *cobra.Command, _ []string) error {
	cfg, svc, err := loadService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	names, err := svc.Store().Names(cmd.Context())
	if err != nil {
		return err
	}
	for _, name := range names {
		mark := ""
		if name == cfg.Cache.Version {
			mark = " (current)"
		}
		cmd.Printf("%s%s\n", name, mark)
	}
	return nil
}

func printInstall(cmd *cobra.Command, r swcache.InstallReport) {
	cmd.Printf("%s: stored %d\n", r.Version, r.Stored)
	for _, f := range r.Failed {
		cmd.Printf("  failed %s: %v\n", f.URL, f.Err)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
