// Package cli is the posctl admin tool. Every command opens the same ledger
// the server uses, runs one service operation and prints the result as JSON.
//
//	posctl recover                 run the recovery sweep now
//	posctl clear                   delete every order and reset every bot
//	posctl orders add --type VIP   create an order
//	posctl orders list             list orders in display order
//	posctl bots add --type NORMAL  create a bot
//	posctl bots list               list bots
//	posctl bots rm <bot-id>        delete a bot, requeueing its order
//	posctl claim <bot-id>          hand the next pending order to a bot
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/suPer8Hu/order-bots/internal/app"
	"github.com/suPer8Hu/order-bots/internal/config"
	"github.com/suPer8Hu/order-bots/internal/fulfillment"
	"github.com/suPer8Hu/order-bots/internal/logging"
)

type options struct {
	configFile string
}

func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "posctl",
		Short:         "posctl: administer the order/bot ledger",
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "YAML config file (defaults to $CONFIG_FILE)")

	rootCmd.AddCommand(buildRecoverCommand(opts))
	rootCmd.AddCommand(buildClearCommand(opts))
	rootCmd.AddCommand(buildOrdersCommand(opts))
	rootCmd.AddCommand(buildBotsCommand(opts))
	rootCmd.AddCommand(buildClaimCommand(opts))
	return rootCmd
}

// withService opens the app for one command and closes it afterwards. Logs
// go to stderr so stdout stays machine readable.
func (o *options) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *fulfillment.Service) (any, error)) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	return run(cmd, cfg, fn)
}

func (o *options) load() (config.Config, error) {
	if o.configFile == "" {
		return config.Load()
	}
	return config.LoadFile(o.configFile)
}

func run(cmd *cobra.Command, cfg config.Config, fn func(ctx context.Context, svc *fulfillment.Service) (any, error)) error {
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.SetOutput(cmd.ErrOrStderr())

	a, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer a.Close()

	out, err := fn(cmd.Context(), a.Service)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func buildRecoverCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run the recovery sweep once, ignoring the resume lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *fulfillment.Service) (any, error) {
				return svc.Recover(ctx)
			})
		},
	}
}

func buildClearCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all orders and reset all bots to IDLE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *fulfillment.Service) (any, error) {
				return svc.ClearAllOrders(ctx)
			})
		},
	}
}

func buildOrdersCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Create and list orders",
	}

	var typ string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *fulfillment.Service) (any, error) {
				return svc.CreateOrder(ctx, fulfillment.OrderType(strings.ToUpper(typ)))
			})
		},
	}
	add.Flags().StringVarP(&typ, "type", "t", string(fulfillment.OrderNormal), "order type: NORMAL or VIP")

	list := &cobra.Command{
		Use:   "list",
		Short: "List orders: pending VIP, pending NORMAL, processing, complete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *fulfillment.Service) (any, error) {
				return svc.ListOrders(ctx)
			})
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func buildBotsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bots",
		Short: "Create, list and delete bots",
	}

	var typ string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an idle bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *fulfillment.Service) (any, error) {
				return svc.CreateBot(ctx, fulfillment.BotType(strings.ToUpper(typ)))
			})
		},
	}
	add.Flags().StringVarP(&typ, "type", "t", string(fulfillment.BotNormal), "bot type: NORMAL or VIP")

	list := &cobra.Command{
		Use:   "list",
		Short: "List bots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *fulfillment.Service) (any, error) {
				return svc.ListBots(ctx)
			})
		},
	}

	rm := &cobra.Command{
		Use:   "rm <bot-id>",
		Short: "Delete a bot and requeue the order it was working on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *fulfillment.Service) (any, error) {
				if err := svc.DeleteBot(ctx, args[0]); err != nil {
					return nil, err
				}
				return map[string]string{"deleted": args[0]}, nil
			})
		},
	}

	cmd.AddCommand(add, list, rm)
	return cmd
}

type claimOutput struct {
	Outcome fulfillment.ClaimStatus `json:"outcome"`
	Order   *fulfillment.Order      `json:"order,omitempty"`
	Bot     *fulfillment.Bot        `json:"bot,omitempty"`
}

func buildClaimCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <bot-id>",
		Short: "Assign the next pending order to a bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *fulfillment.Service) (any, error) {
				res, err := svc.ClaimForBot(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return claimOutput{Outcome: res.Status, Order: res.Order, Bot: res.Bot}, nil
			})
		},
	}
}
