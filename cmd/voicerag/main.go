package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/vango-go/vai-voicerag/pkg/gateway/config"
)

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	if _, err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "voicerag: %v\n", err)
		return 1
	}

	cmd := newRootCmd(deps, stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "voicerag: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultAppDeps()))
}
