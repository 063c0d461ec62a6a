// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tapgate/tapgate/common"
	"github.com/tapgate/tapgate/core/log"
	"github.com/tapgate/tapgate/gateway"
	"github.com/tapgate/tapgate/gateway/config"
	"github.com/tapgate/tapgate/gateway/receiverdb"
)

const defaultConfigFile = "tapgate.toml"

var errNoReceiverDB = errors.New("no receiver database is configured")

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tapgate",
		Short: "Authenticated gateway in front of a taproot-assets daemon",
		Long: `tapgate proxies the REST interface of a taproot-assets daemon and relays
receiver mailboxes over websockets.  A relay connection must prove
possession of the receiver's key by signing a single use challenge before
any mailbox content is streamed to it.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newRunCommand(), newReceiversCommand())
	return cmd
}

func newRunCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway",
		Example: `  # Start the gateway with the default configuration file
  tapgate run

  # Start the gateway with a specific configuration file
  tapgate run -f /etc/tapgate/tapgate.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", defaultConfigFile, "path to the gateway configuration file (TOML format)")
	return cmd
}

func newReceiversCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "receivers",
		Short: "Administer the receiver database",
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "f", defaultConfigFile, "path to the gateway configuration file (TOML format)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the known receivers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReceiverDB(configFile, func(db receiverdb.ReceiverDB) error {
				return listReceivers(cmd.OutOrStdout(), db)
			})
		},
	}
	deactivate := &cobra.Command{
		Use:   "deactivate <receiver_id>",
		Short: "Mark a receiver as inactive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReceiverDB(configFile, func(db receiverdb.ReceiverDB) error {
				if err := receiverdb.Deactivate(db, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deactivated %s\n", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(list, deactivate)
	return cmd
}

func loadConfig(f string) (*config.Config, error) {
	cfg, err := config.LoadFile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", f, err)
	}
	return cfg, nil
}

func withReceiverDB(configFile string, fn func(receiverdb.ReceiverDB) error) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	logBackend, err := log.New("", cfg.Logging.Level, true)
	if err != nil {
		return err
	}
	db, err := gateway.OpenReceiverDB(cfg, logBackend)
	if err != nil {
		return err
	}
	if db == nil {
		return errNoReceiverDB
	}
	defer db.Close()
	return fn(db)
}

func listReceivers(w io.Writer, db receiverdb.ReceiverDB) error {
	lister, ok := db.(receiverdb.Lister)
	if !ok {
		return errors.New("the configured receiver database can not be enumerated")
	}
	fmt.Fprintf(w, "%-66s  %-6s  %-20s  %s\n", "RECEIVER", "ACTIVE", "LAST SEEN", "PUBLIC KEY")
	return lister.ForEach(func(info *receiverdb.ReceiverInfo) error {
		lastSeen := time.Unix(info.LastSeen, 0).UTC().Format(time.DateTime)
		_, err := fmt.Fprintf(w, "%-66s  %-6t  %-20s  %s\n", info.ReceiverID, info.IsActive, lastSeen, info.PublicKey)
		return err
	})
}

func runGateway(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	// Setup the signal handling.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	svr, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to spawn gateway instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the gateway gracefully on SIGINT/SIGTERM.
	go func() {
		<-ch
		svr.Shutdown()
	}()

	// Rotate the log upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	// Wait for the gateway to explode or be terminated.
	svr.Wait()
	return nil
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
