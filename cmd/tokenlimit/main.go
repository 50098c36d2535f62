// Command tokenlimit is a small demo CLI driving the tokenlimit engine
// directly from the shell: consume, check, reset, block and simulate
// against a single bucket, kept in-process for the life of the command
// unless --redis-addr backs it with Redis.
package main

import "github.com/ajiwo/tokenlimit/cmd/tokenlimit/cmd"

func main() {
	cmd.Execute()
}
