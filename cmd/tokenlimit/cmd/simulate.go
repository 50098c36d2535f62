package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajiwo/tokenlimit/utils"
)

var (
	simulateCount    int
	simulateInterval time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Issue a burst of consume attempts, pacing each by --interval",
	RunE: func(c *cobra.Command, _ []string) error {
		l, err := buildLimiter()
		if err != nil {
			return err
		}

		for i := 1; i <= simulateCount; i++ {
			res, err := l.TryConsume(c.Context(), 1)
			if err != nil {
				return err
			}
			if res.Allowed {
				fmt.Printf("[%d/%d] allowed, %d remaining\n", i, simulateCount, res.RemainingTokens)
			} else {
				fmt.Printf("[%d/%d] denied, retry after %s\n", i, simulateCount, res.RetryAfter)
			}

			if i < simulateCount {
				// Short pacing gaps sleep directly; only gaps long enough
				// to matter honor cancellation, the same split
				// SleepOrWait was written for.
				if err := utils.SleepOrWait(c.Context(), simulateInterval, 50*time.Millisecond); err != nil {
					return err
				}
			}
		}
		return nil
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateCount, "count", 5, "number of consume attempts to issue")
	simulateCmd.Flags().DurationVar(&simulateInterval, "interval", 200*time.Millisecond, "pacing interval between attempts")
}
