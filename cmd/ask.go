package cmd

import (
	"context"
	"fmt"
	"strings"

	"multichat/domain/billing"

	"github.com/spf13/cobra"
)

var (
	askModel       string
	askTemperature float64
)

var askCmd = &cobra.Command{
	Use:   "ask [message]",
	Short: "Run one exchange against a model and print the reply with its cost",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askModel, "model", "m", "", "Model to ask (defaults to chat.default_model)")
	askCmd.Flags().Float64VarP(&askTemperature, "temperature", "t", -1, "Sampling temperature between 0 and 2 (defaults to chat.default_temperature)")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	model := askModel
	if model == "" {
		model = cfg.Chat.DefaultModel
	}
	temperature := askTemperature
	if !cmd.Flags().Changed("temperature") {
		temperature = cfg.Chat.DefaultTemperature
	}

	app, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close(context.Background())

	res, err := app.service.Submit(ctx, strings.Join(args, " "), model, temperature)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, res.Text)
	fmt.Fprintf(out, "\n[%s] tokens: %d prompt + %d completion = %d, cost: %s\n",
		res.Model, res.Usage.PromptTokens, res.Usage.CompletionTokens, res.Usage.TotalTokens, billing.FormatCost(res.Cost))
	return nil
}
