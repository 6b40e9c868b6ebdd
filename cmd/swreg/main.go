// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"storj.io/swreg/internal/sync2"
	"storj.io/swreg/pkg/registry"
	"storj.io/swreg/pkg/workerstore"
	"storj.io/swreg/storage/registrationdb"
)

var (
	rootCmd = &cobra.Command{
		Use:   "swreg",
		Short: "Service worker registration storage",
		Long:  "Command line utility for running and inspecting the service worker registration database",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the registration storage service",
		RunE:  cmdRun,
	}
	listCmd = &cobra.Command{
		Use:   "list [origin]",
		Short: "List stored registrations, optionally for one origin",
		Args:  cobra.MaximumNArgs(1),
		RunE:  cmdList,
	}
	originsCmd = &cobra.Command{
		Use:   "origins",
		Short: "List origins with stored registrations",
		RunE:  cmdOrigins,
	}
	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Purge doomed resources",
		RunE:  cmdCleanup,
	}
	wipeCmd = &cobra.Command{
		Use:   "wipe",
		Short: "Delete everything and start over",
		RunE:  cmdWipe,
	}
)

func init() {
	defaultDB := "swreg/registrations.db"
	if home, err := homedir.Dir(); err == nil {
		defaultDB = filepath.Join(home, ".swreg", "registrations.db")
	}

	rootCmd.PersistentFlags().String("db", defaultDB, "path to the registration database")
	runCmd.Flags().Duration("cleanup-interval", time.Hour, "how often to purge doomed resources")
	bindFlags(rootCmd.PersistentFlags())
	bindFlags(runCmd.Flags())

	viper.SetEnvPrefix("swreg")
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCmd, listCmd, originsCmd, cleanupCmd, wipeCmd)
}

func bindFlags(flags *pflag.FlagSet) {
	flags.VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})
}

func openDatabase(log *zap.Logger) (*registrationdb.DB, error) {
	path := viper.GetString("db")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return registrationdb.Open(log.Named("db"), path)
}

// openRegistry wires a database, a storage service hosting it and a
// registry over that service.
func openRegistry(ctx context.Context, log *zap.Logger, config registry.Config) (*registry.Registry, func() error, error) {
	db, err := openDatabase(log)
	if err != nil {
		return nil, nil, err
	}
	service := workerstore.NewService(log.Named("service"), db)

	reg, err := registry.New(ctx, log.Named("registry"), service, config)
	if err != nil {
		service.Stop()
		_ = db.Close()
		return nil, nil, err
	}
	closeAll := func() error {
		err := reg.Close()
		service.Stop()
		if closeErr := db.Close(); err == nil {
			err = closeErr
		}
		return err
	}
	return reg, closeAll, nil
}

func cmdRun(cmd *cobra.Command, args []string) error {
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		<-signals
		cancel()
	}()

	reg, closeRegistry, err := openRegistry(ctx, log, registry.Config{})
	if err != nil {
		return err
	}
	defer func() { _ = closeRegistry() }()

	log.Info("registration storage running",
		zap.String("db", viper.GetString("db")),
		zap.Duration("cleanup interval", viper.GetDuration("cleanup-interval")))

	cleanup := sync2.NewCycle(viper.GetDuration("cleanup-interval"))
	err = cleanup.Run(ctx, func(ctx context.Context) error {
		if err := reg.PerformStorageCleanup(ctx); err != nil {
			log.Warn("storage cleanup failed", zap.Error(err))
		}
		return nil
	})
	if err == context.Canceled {
		return nil
	}
	return err
}

func cmdList(cmd *cobra.Command, args []string) error {
	log := zap.NewNop()
	ctx := context.Background()

	reg, closeRegistry, err := openRegistry(ctx, log, registry.Config{})
	if err != nil {
		return err
	}
	defer func() { _ = closeRegistry() }()

	origins := args
	if len(origins) == 0 {
		origins, err = reg.RegisteredOrigins(ctx)
		if err != nil {
			return err
		}
	}

	for _, origin := range origins {
		registrations, err := reg.RegistrationsForOrigin(ctx, origin)
		if err != nil {
			return err
		}
		for _, registration := range registrations {
			fmt.Printf("%d\t%s\t%s\t%d bytes\n",
				registration.ID(), origin, registration.Scope(),
				registration.ResourcesTotalSize())
		}
	}
	return nil
}

func cmdOrigins(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	reg, closeRegistry, err := openRegistry(ctx, zap.NewNop(), registry.Config{})
	if err != nil {
		return err
	}
	defer func() { _ = closeRegistry() }()

	origins, err := reg.RegisteredOrigins(ctx)
	if err != nil {
		return err
	}
	for _, origin := range origins {
		fmt.Println(origin)
	}
	return nil
}

func cmdCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	reg, closeRegistry, err := openRegistry(ctx, zap.NewNop(), registry.Config{})
	if err != nil {
		return err
	}
	defer func() { _ = closeRegistry() }()

	return reg.PerformStorageCleanup(ctx)
}

func cmdWipe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	reg, closeRegistry, err := openRegistry(ctx, zap.NewNop(), registry.Config{})
	if err != nil {
		return err
	}
	defer func() { _ = closeRegistry() }()

	reg.PrepareForDeleteAndStartOver()
	err = reg.DeleteAndStartOver(ctx)
	reg.DidDeleteAndStartOver(err)
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
