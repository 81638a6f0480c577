package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kleeedolinux/relay.go/payment"
	"github.com/kleeedolinux/relay.go/poll"
	"github.com/kleeedolinux/relay.go/session"
)

var awaitPaymentCmd = &cobra.Command{
	Use:   "await-payment <transaction>",
	Short: "Poll a payment transaction until it settles",
	Long: `Checks the transaction status immediately and then every payment.interval
until it completes, fails, or payment.max_elapsed runs out.

Exits non-zero unless the payment completed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Payment.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		bearer := token
		if bearer == "" {
			store, closeStore, err := openStore(ctx)
			if err != nil {
				return err
			}
			creds, err := store.Load(ctx)
			closeStore()
			switch {
			case err == nil:
				bearer = creds.Token
			case !errors.Is(err, session.ErrNoSession):
				return err
			}
		}

		client := payment.NewClient(cfg.Payment.BaseURL,
			payment.WithToken(bearer),
			payment.WithStatusPath(cfg.Payment.StatusPath),
			payment.WithRequestTimeout(cfg.Payment.RequestTimeout),
			payment.WithLogger(logger.Named("payment")),
		)

		p := poll.New(poll.WithLogger(logger.Named("poll")))
		defer p.CancelAll()

		txn := args[0]
		logger.Info("awaiting payment", zap.String("transaction", txn), zap.Duration("interval", cfg.Payment.Interval))

		status, err := client.Wait(ctx, p, txn, cfg.Payment.PollOptions())
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s", txn, status.State())
		if status.Amount != "" {
			fmt.Fprintf(cmd.OutOrStdout(), " (%s)", status.Amount)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}
