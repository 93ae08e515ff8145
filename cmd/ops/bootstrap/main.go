// Package main implements the bootstrap CLI for the provisioner's secrets.
//
// The tool seeds AWS SSM Parameter Store with every secret the API and the
// integration worker resolve at cold start, and writes the matching
// X_SSM_PARAM pointer file consumed by the config loader.
//
// Usage:
//
//	STRIPE_SECRET_KEY=sk_... RESEND_API_KEY=re_... \
//	  go run ./cmd/ops/bootstrap --env=dev --pointers=deploy/dev.env
//
// Values are read from the operator's environment under the same names the
// service uses. A parameter that already exists is left alone unless
// --overwrite is set. ADMIN_API_KEY is generated when not supplied.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
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
	overwriteFlag := flag.Bool("overwrite", false, "Replace parameters that already exist")
	pointersFlag := flag.String("pointers", "", "Write X_SSM_PARAM pointers for the written parameters to this file")
	flag.Parse()

	if !validEnvironments[*envFlag] {
		fmt.Fprintf(os.Stderr, "error: --env must be dev, staging, or prod (got %q)\n\n", *envFlag)
		flag.Usage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	if *regionFlag != "" {
		opts = append(opts, awsconfig.WithRegion(*regionFlag))
	}
	if *profileFlag != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(*profileFlag))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		logger.Error("loading AWS config failed", "error", err)
		os.Exit(1)
	}

	runner := &Runner{
		SSM:       NewSSMManager(ssm.NewFromConfig(awsCfg), *envFlag, logger),
		Lookup:    os.LookupEnv,
		Generate:  GenerateSecureToken,
		Overwrite: *overwriteFlag,
		Logger:    logger,
	}

	results, err := runner.Run(ctx, Inventory())
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	printSummary(results)

	if *pointersFlag != "" {
		if err := WritePointers(*pointersFlag, results); err != nil {
			logger.Error("writing pointer file failed", "error", err)
			os.Exit(1)
		}
		logger.Info("pointer file written", "path", *pointersFlag)
	}
}

func printSummary(results []StepResult) {
	fmt.Fprintln(os.Stderr)
	for _, r := range results {
		fmt.Fprintf(os.Stderr, "  %-28s %-10s %s\n", r.EnvVar, r.Action, r.Path)
	}
	fmt.Fprintln(os.Stderr)
}
