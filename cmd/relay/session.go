package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kleeedolinux/relay.go/realtime"
	"github.com/kleeedolinux/relay.go/session"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store a session and verify the realtime handshake",
	Long: `Saves --token (and --identity, or the JWT subject) to the session store,
then opens a realtime connection once to check that the credentials work.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, closeStore, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		m, err := newManager()
		if err != nil {
			return err
		}
		defer m.Disconnect()

		lc := session.NewLifecycle(m, store, session.WithLogger(logger.Named("session")))
		if _, err := lc.Login(ctx, flagCredentials()); err != nil {
			if errors.Is(err, realtime.ErrInitialization) {
				fmt.Fprintf(cmd.OutOrStdout(), "session saved, realtime unavailable: %v\n", err)
				return nil
			}
			return err
		}

		state := waitSettled(ctx, m, cfg.Realtime.HandshakeTimeout)
		creds, _ := lc.Credentials()
		logger.Debug("login settled", zap.String("state", string(state)), zap.String("identity", creds.IdentityID))

		conn, ok := m.Connected()
		if !ok {
			fmt.Fprintf(cmd.OutOrStdout(), "session saved for %s, realtime %s: %v\n", creds.IdentityID, m.State(), m.Err())
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (socket %s)\n", creds.IdentityID, conn.SocketID())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, closeStore, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		lc := session.NewLifecycle(realtime.NewManager(nil), store, session.WithLogger(logger.Named("session")))
		if err := lc.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")
		return nil
	},
}
