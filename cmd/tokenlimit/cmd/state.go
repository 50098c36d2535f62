package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the bucket's current state",
	RunE: func(c *cobra.Command, _ []string) error {
		l, err := buildLimiter()
		if err != nil {
			return err
		}

		state, err := l.GetState(c.Context())
		if err != nil {
			return err
		}

		fmt.Printf("tokens:     %.2f / %.2f\n", state.Tokens, state.Capacity)
		fmt.Printf("refill:     %.2f/s\n", state.RefillRate)
		fmt.Printf("blocked:    %v\n", state.Blocked)
		if state.Blocked {
			fmt.Printf("block until: %s\n", state.BlockUntil)
		}

		if enabled, degraded, insState := l.InsuranceState(); enabled {
			fmt.Printf("insurance:  enabled, degraded=%v, tokens=%.2f/%.2f\n",
				degraded, insState.Tokens, insState.Capacity)
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the bucket to full capacity",
	RunE: func(c *cobra.Command, _ []string) error {
		l, err := buildLimiter()
		if err != nil {
			return err
		}
		if err := l.Reset(c.Context()); err != nil {
			return err
		}
		fmt.Println("reset")
		return nil
	},
}
