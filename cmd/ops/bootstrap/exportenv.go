package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ssmToEnvMapping maps each bootstrap inventory SSM category/key to the
// environment variable the service config reads it from. Every entry in
// BuildInventory must have a row here so --export-env produces a complete
// .env file.
var ssmToEnvMapping = map[string]string{
	"database/url":             "DATABASE_URL",
	"mail/resend_api_key":      "RESEND_API_KEY",
	"records/base_url":         "RECORDS_BASE_URL",
	"records/api_token":        "RECORDS_API_TOKEN",
	"queue/signing_secret":     "QUEUE_SIGNING_SECRET",
	"queue/delivery_queue_url": "SQS_DELIVERY_QUEUE",
	"queue/callback_base_url":  "QUEUE_CALLBACK_BASE_URL",
}

// localDevDefaults holds the environment variables the service config needs
// that are NOT sourced from SSM. They are appended to the exported .env file
// when IncludeLocalDefaults is set, so a fresh checkout runs against local
// infrastructure (LocalStack for SQS/CloudWatch) without further edits.
//
// QUEUE_SIGNING_SECRET_PREVIOUS is part of the config but deliberately not
// part of the bootstrap inventory: it only gets a value mid-rotation, when
// the old signing secret is demoted.
var localDevDefaults = map[string]string{
	"APP_ENV":                       "local",
	"LOG_LEVEL":                     "debug",
	"PORT":                          "8080",
	"APP_BASE_URL":                  "http://localhost:3000",
	"AWS_REGION":                    "us-east-1",
	"AWS_ENDPOINT_URL":              "http://localhost:4566",
	"ENABLE_METRICS":                "false",
	"NOTIFY_TEST_MODE":              "true",
	"NOTIFY_TEST_RECIPIENT":         "dev@mentormail.local",
	"QUEUE_SIGNING_SECRET_PREVIOUS": "",
}

// ExportEnvConfig holds the inputs for ExportEnvFile.
type ExportEnvConfig struct {
	// OutputPath is where the .env file is written. Parent directories
	// are created if missing.
	OutputPath string

	// Environment is the bootstrap environment (dev/staging/prod), recorded
	// in the file header.
	Environment string

	// SSM reads the parameter values back from Parameter Store.
	SSM *SSMManager

	// Stderr receives the human-readable export summary.
	Stderr io.Writer

	// IncludeLocalDefaults appends the localDevDefaults section to the file.
	IncludeLocalDefaults bool
}

// ExportEnvFile reads the bootstrap parameters back from SSM and writes them
// to a .env file for local development. Parameters that are missing from SSM
// (e.g., optional steps that were skipped) are omitted from the file; the
// export only fails when nothing at all could be read.
//
// The file is written with 0600 permissions since it contains decrypted
// secrets.
func ExportEnvFile(ctx context.Context, cfg ExportEnvConfig) error {
	inventory := BuildInventory(NewValidatorWithDeps(nil, nil))

	var b strings.Builder
	b.WriteString("# Auto-generated by bootstrap --export-env\n")
	fmt.Fprintf(&b, "# Environment: %s\n", cfg.Environment)
	b.WriteString("#\n")
	b.WriteString("# SECURITY WARNING: this file contains decrypted secrets.\n")
	b.WriteString("# Do not commit it or copy it off your workstation.\n")
	b.WriteString("\n")

	written := 0
	for _, step := range inventory {
		envVar, ok := ssmToEnvMapping[step.SSMCategoryKey]
		if !ok {
			continue
		}

		path := cfg.SSM.SSMPath(step.SSMCategoryKey)
		decrypt := step.ParamType == ParamSecureString

		value, err := cfg.SSM.GetParameterValue(ctx, path, decrypt)
		if err != nil {
			fmt.Fprintf(cfg.Stderr, "  Skipping %s: %v\n", envVar, err)
			continue
		}

		b.WriteString(formatEnvLine(envVar, value))
		b.WriteString("\n")
		written++
	}

	if written == 0 {
		return fmt.Errorf("no parameters could be read from SSM for environment %q", cfg.Environment)
	}

	if cfg.IncludeLocalDefaults {
		b.WriteString("\n# Local Development Defaults (not sourced from SSM)\n")

		keys := make([]string, 0, len(localDevDefaults))
		for k := range localDevDefaults {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(formatEnvLine(k, localDevDefaults[k]))
			b.WriteString("\n")
		}
	}

	if dir := filepath.Dir(cfg.OutputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating output directory %q: %w", dir, err)
		}
	}

	if err := os.WriteFile(cfg.OutputPath, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("writing .env file %q: %w", cfg.OutputPath, err)
	}

	fmt.Fprintf(cfg.Stderr, "\n  Environment file exported: %s\n", cfg.OutputPath)
	fmt.Fprintf(cfg.Stderr, "  Parameters written: %d\n", written)
	fmt.Fprintf(cfg.Stderr, "  File mode: 0600 (owner read/write only)\n")

	return nil
}

// envNeedsQuoting reports whether a value must be wrapped in double quotes
// to survive a round-trip through dotenv parsers and shell sourcing.
func envNeedsQuoting(value string) bool {
	if value == "" {
		return true
	}
	return strings.ContainsAny(value, " \t\"'#\\\n$`{}")
}

// formatEnvLine renders one KEY=value line. Simple values are written bare;
// values containing shell-significant characters are double-quoted with
// backslashes, quotes, and newlines escaped.
func formatEnvLine(key, value string) string {
	if !envNeedsQuoting(value) {
		return key + "=" + value
	}

	escaped := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
	).Replace(value)

	return key + `="` + escaped + `"`
}
