package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var consumeCmd = &cobra.Command{
	Use:   "consume [cost]",
	Short: "Attempt to consume cost tokens (default 1)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		cost := 1.0
		if len(args) == 1 {
			parsed, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid cost %q: %w", args[0], err)
			}
			cost = parsed
		}

		l, err := buildLimiter()
		if err != nil {
			return err
		}

		res, err := l.TryConsume(c.Context(), cost)
		if err != nil {
			return err
		}

		if res.Allowed {
			fmt.Printf("allowed, %d tokens remaining\n", res.RemainingTokens)
		} else {
			fmt.Printf("denied, retry after %s\n", res.RetryAfter)
		}
		return nil
	},
}
