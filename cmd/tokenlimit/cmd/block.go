package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var blockCmd = &cobra.Command{
	Use:   "block <duration>",
	Short: "Deny every consume attempt until duration has elapsed",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		duration, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", args[0], err)
		}

		l, err := buildLimiter()
		if err != nil {
			return err
		}

		until, err := l.Block(c.Context(), duration)
		if err != nil {
			return err
		}
		fmt.Printf("blocked until %s\n", until)
		return nil
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock",
	Short: "Clear an active block",
	RunE: func(c *cobra.Command, _ []string) error {
		l, err := buildLimiter()
		if err != nil {
			return err
		}

		wasBlocked, err := l.Unblock(c.Context())
		if err != nil {
			return err
		}
		if wasBlocked {
			fmt.Println("unblocked")
		} else {
			fmt.Println("was not blocked")
		}
		return nil
	},
}
