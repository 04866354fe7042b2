// Package main seeds AWS SSM Parameter Store with the secrets the notifyhub
// consumer resolves at start-up.
//
// Usage:
//
//	go run ./cmd/ops/bootstrap -env=dev
//	go run ./cmd/ops/bootstrap -env=prod -profile=notifyhub-prod
//	go run ./cmd/ops/bootstrap -env=dev -endpoint=http://localhost:4566
//
// Existing parameters are detected first and only replaced on request. On
// success the matching *_SSM_PARAM variables are printed to stdout.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"notifyhub/internal/logging"
	"notifyhub/internal/types"
)

var validEnvironments = map[string]bool{"dev": true, "staging": true, "prod": true}

type options struct {
	env      string
	profile  string
	region   string
	endpoint string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.env, "env", "", "Target environment (dev/staging/prod) [required]")
	fs.StringVar(&opts.profile, "profile", "", "AWS CLI profile (default credential chain when empty)")
	fs.StringVar(&opts.region, "region", "us-east-1", "AWS region")
	fs.StringVar(&opts.endpoint, "endpoint", "", "AWS endpoint override, e.g. LocalStack")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "notifyhub bootstrap\n\n")
		fmt.Fprintf(stderr, "Stores database, broker and SMTP secrets in SSM Parameter Store.\n\n")
		fmt.Fprintf(stderr, "Usage:\n  bootstrap -env=dev [-profile=NAME] [-region=REGION] [-endpoint=URL]\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.env == "" {
		return options{}, errors.New("-env is required")
	}
	if !validEnvironments[opts.env] {
		return options{}, fmt.Errorf("invalid environment %q (must be dev, staging, or prod)", opts.env)
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	slogger, _ := logging.New(logging.Options{Level: "info", Service: "bootstrap"})
	logger := logging.NewAdapter(slogger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("Bootstrap failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger types.Logger) error {
	awsCfg, identity, err := initializeSession(ctx, opts)
	if err != nil {
		return err
	}
	logger.Info("AWS identity verified", "account_id", identity.account, "arn", identity.arn, "region", opts.region)

	if opts.env == "prod" && !confirmProduction(os.Stdin, os.Stderr, identity, opts.region) {
		fmt.Fprintln(os.Stderr, "Aborted. No changes were made.")
		return nil
	}

	client := ssm.NewFromConfig(awsCfg)
	store := NewParameterStore(client, opts.env, logger)
	results, err := NewRunner(store).Run(ctx, Inventory())
	if err != nil {
		return err
	}

	for _, line := range PointerLines(results) {
		fmt.Fprintln(os.Stdout, line)
	}
	return nil
}

type callerIdentity struct {
	account string
	arn     string
}

// initializeSession loads AWS config and confirms the credentials work
// before anything is prompted.
func initializeSession(ctx context.Context, opts options) (aws.Config, callerIdentity, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.region)}
	if opts.profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.profile))
	}
	if opts.endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithBaseEndpoint(opts.endpoint))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, callerIdentity{}, fmt.Errorf("loading AWS config: %w", err)
	}

	idCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := sts.NewFromConfig(cfg).GetCallerIdentity(idCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return aws.Config{}, callerIdentity{}, fmt.Errorf("verifying AWS identity (profile %q, region %q): %w", opts.profile, opts.region, err)
	}
	return cfg, callerIdentity{account: aws.ToString(out.Account), arn: aws.ToString(out.Arn)}, nil
}

// confirmProduction requires the operator to type "yes".
func confirmProduction(in io.Reader, out io.Writer, id callerIdentity, region string) bool {
	fmt.Fprintln(out, "\n============================================================")
	fmt.Fprintln(out, "  WARNING: You are targeting the PRODUCTION environment")
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintf(out, "  Account: %s\n  Region:  %s\n  ARN:     %s\n\n", id.account, region, id.arn)
	fmt.Fprint(out, "Type 'yes' to continue: ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(scanner.Text()), "yes")
}
