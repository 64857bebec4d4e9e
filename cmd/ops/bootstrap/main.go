// Package main implements the bootstrap CLI for a courier environment.
//
// It generates the internal secrets (credential encryption key, internal API
// key), asks the operator for the connection URLs and stores everything as
// SecureString parameters under /{env}/courier/. The services resolve them
// through <NAME>_SSM_PARAM at cold start.
//
// Usage:
//
//	go run ./cmd/ops/bootstrap --env=dev
//	go run ./cmd/ops/bootstrap --env=prod --profile=courier-prod --region=eu-west-1
//	go run ./cmd/ops/bootstrap --env=staging --rotate
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"courier/internal/app"
)

var validEnvironments = map[string]bool{
	"dev":     true,
	"staging": true,
	"prod":    true,
}

func main() {
	envFlag := flag.String("env", "", "Target environment (dev/staging/prod) [required]")
	profileFlag := flag.String("profile", "", "AWS CLI profile (default: uses default credential chain)")
	regionFlag := flag.String("region", "us-east-1", "AWS region")
	rotateFlag := flag.Bool("rotate", false, "Regenerate ENCRYPTION_KEY and INTERNAL_API_KEY even if present")
	flag.Parse()

	if !validEnvironments[*envFlag] {
		fmt.Fprintf(os.Stderr, "error: --env must be dev, staging, or prod\n\n")
		flag.Usage()
		os.Exit(1)
	}

	logger := app.NewLogger("info").With("tool", "bootstrap")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(*regionFlag))
	if *profileFlag != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(*profileFlag))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		logger.Error("loading AWS config failed", "error", err)
		os.Exit(1)
	}

	stdin := bufio.NewReader(os.Stdin)
	if *envFlag == "prod" && !confirm(stdin, os.Stderr, "You are targeting PRODUCTION.") {
		fmt.Fprintln(os.Stderr, "Aborted. No changes were made.")
		return
	}
	if *rotateFlag && !confirm(stdin, os.Stderr, "Rotating ENCRYPTION_KEY makes stored integration credentials unreadable.") {
		fmt.Fprintln(os.Stderr, "Aborted. No changes were made.")
		return
	}

	mgr := NewSSMManager(ssm.NewFromConfig(awsCfg), *envFlag, logger)
	runner := &Runner{SSM: mgr, In: stdin, Out: os.Stderr, Rotate: *rotateFlag}
	res, err := runner.Run(ctx)
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	logger.Info("bootstrap completed",
		"env", *envFlag,
		"written", res.Written,
		"kept", res.Kept,
		"skipped", res.Skipped,
	)
	WriteParamEnv(os.Stdout, mgr, res)
}

// confirm asks for an explicit "yes".
// It reads a single line so the remaining input stays available to the
// prompts that follow.
func confirm(in *bufio.Reader, out io.Writer, warning string) bool {
	fmt.Fprintf(out, "\n  WARNING: %s\n\nType 'yes' to continue: ", warning)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes")
}
