package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ajiwo/tokenlimit"
	"github.com/ajiwo/tokenlimit/backends/redis"
)

var (
	flagKey        string
	flagCapacity   float64
	flagRefillRate float64
	flagRedisAddr  string
	flagInsurance  bool
)

var rootCmd = &cobra.Command{
	Use:   "tokenlimit",
	Short: "Drive a token-bucket rate limiter from the shell",
	Long: `tokenlimit is a demo CLI for the tokenlimit engine.

Without --redis-addr each invocation starts from a fresh, purely local
bucket, so state does not persist between runs — useful for exercising
the API shape. Pass --redis-addr to back the bucket with Redis, which
makes its token and block state persist across runs and makes the
--insurance failover path available; the insurance bucket itself stays
in-process and does not persist.`,
}

// Execute runs the root command, exiting the process on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagKey, "key", "cli-demo", "bucket key")
	rootCmd.PersistentFlags().Float64Var(&flagCapacity, "capacity", 10, "bucket capacity, in tokens")
	rootCmd.PersistentFlags().Float64Var(&flagRefillRate, "refill-rate", 1, "refill rate, in tokens/second")
	rootCmd.PersistentFlags().StringVar(&flagRedisAddr, "redis-addr", "", "Redis address (host:port); empty keeps the bucket purely local")
	rootCmd.PersistentFlags().BoolVar(&flagInsurance, "insurance", false, "enable the insurance failover path (requires --redis-addr)")

	rootCmd.AddCommand(consumeCmd, stateCmd, resetCmd, blockCmd, unblockCmd, simulateCmd)
}

// buildLimiter constructs a Limiter from the persistent flags.
func buildLimiter() (*tokenlimit.Limiter, error) {
	opts := []tokenlimit.Option{
		tokenlimit.WithKey(flagKey),
		tokenlimit.WithCapacity(flagCapacity),
		tokenlimit.WithRefillRate(flagRefillRate),
	}
	if flagRedisAddr != "" {
		store, err := redis.New(redis.Config{Addr: flagRedisAddr})
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		opts = append(opts, tokenlimit.WithStore(store), tokenlimit.WithInsurance(flagInsurance))
	}
	return tokenlimit.New(opts...)
}
