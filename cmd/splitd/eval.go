package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/matt-riley/splitsdk/internal/config"
	"github.com/matt-riley/splitsdk/internal/logging"
	"github.com/matt-riley/splitsdk/sdk"
)

type evalOptions struct {
	key          string
	bucketingKey string
	file         string
	attributes   []string
	timeout      time.Duration
	logLevel     string
}

func newEvalCmd() *cobra.Command {
	opts := &evalOptions{}
	cmd := &cobra.Command{
		Use:   "eval SPLIT [SPLIT...]",
		Short: "Evaluate splits for a key and print the treatments",
		Example: `  splitd eval --key alice --attr plan=pro checkout banner
  splitd eval --file splits.yaml --key bob checkout`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.key, "key", "", "matching key to evaluate for (required)")
	flags.StringVar(&opts.bucketingKey, "bucketing-key", "", "bucketing key, defaults to the matching key")
	flags.StringVar(&opts.file, "file", "", "localhost YAML definitions file, overrides SPLIT_LOCALHOST_FILE")
	flags.StringArrayVar(&opts.attributes, "attr", nil, "attribute as name=value; values are parsed as JSON when possible")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "how long to wait for the SDK to become ready")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level for SDK diagnostics on stderr")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func runEval(ctx context.Context, out, errOut io.Writer, opts *evalOptions, splits []string) error {
	attributes, err := parseAttributeFlags(opts.attributes)
	if err != nil {
		return err
	}

	cfg, err := config.Load(func(c *config.Config) {
		if opts.file != "" {
			c.LocalhostFile = opts.file
		}
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Options{Level: opts.logLevel, Format: logging.FormatText, Writer: errOut})
	sourceOpts, err := sourceOptions(cfg, log)
	if err != nil {
		return err
	}

	factory, err := sdk.NewFactory(ctx, cfg.SDKConfig(), append(sourceOpts, sdk.WithLogger(log))...)
	if err != nil {
		return fmt.Errorf("create factory: %w", err)
	}
	defer factory.Destroy(context.WithoutCancel(ctx))

	client, err := factory.Client(sdk.Key{MatchingKey: opts.key, BucketingKey: opts.bucketingKey})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := client.BlockUntilReady(readyCtx); err != nil {
		color.New(color.FgYellow).Fprintf(errOut, "SDK not ready after %s, results may be control\n", opts.timeout)
	}

	results := client.TreatmentsWithConfig(splits, attributes)
	printTreatments(out, splits, results)
	return nil
}

func printTreatments(out io.Writer, splits []string, results map[string]sdk.TreatmentResult) {
	name := color.New(color.Bold)
	treatment := color.New(color.FgGreen)
	control := color.New(color.FgRed)
	faint := color.New(color.Faint)

	seen := make(map[string]bool, len(splits))
	for _, split := range splits {
		if seen[split] {
			continue
		}
		seen[split] = true
		result, ok := results[split]
		if !ok {
			result = sdk.TreatmentResult{Treatment: sdk.Control}
		}

		name.Fprintf(out, "%s", split)
		fmt.Fprint(out, "\t")
		if result.Treatment == sdk.Control {
			control.Fprint(out, result.Treatment)
		} else {
			treatment.Fprint(out, result.Treatment)
		}
		if result.Config != nil {
			fmt.Fprint(out, "\t")
			faint.Fprint(out, *result.Config)
		}
		fmt.Fprintln(out)
	}
}

// parseAttributeFlags turns name=value pairs into evaluation attributes.
// Values that parse as JSON keep their JSON type, so "age=31" is a number
// and "beta=true" a boolean.
func parseAttributeFlags(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attributes := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid attribute %q, want name=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		attributes[name] = value
	}
	return attributes, nil
}
