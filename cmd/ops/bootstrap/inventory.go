package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
)

// Secret is one parameter the service resolves through an X_SSM_PARAM
// pointer.
type Secret struct {
	// EnvVar is the variable the service reads, and the variable the
	// operator supplies the value in.
	EnvVar string
	// Key is the path below /{env}/provisioner/.
	Key string
	// Required secrets fail the run when no value is supplied.
	Required bool
	// Generate allows a random value when none is supplied.
	Generate bool
}

// Inventory lists every secret the API and the worker read.
func Inventory() []Secret {
	return []Secret{
		{EnvVar: "DATABASE_URL", Key: "database/url", Required: true},
		{EnvVar: "STRIPE_SECRET_KEY", Key: "stripe/secret_key", Required: true},
		{EnvVar: "STRIPE_WEBHOOK_SECRET", Key: "stripe/webhook_secret", Required: true},
		{EnvVar: "SUPABASE_SERVICE_ROLE_KEY", Key: "supabase/service_role_key", Required: true},
		{EnvVar: "RESEND_API_KEY", Key: "resend/api_key", Required: true},
		{EnvVar: "ADMIN_API_KEY", Key: "security/admin_api_key", Required: true, Generate: true},
		{EnvVar: "CAVOS_API_KEY", Key: "wallet/cavos_api_key"},
		{EnvVar: "WALLET_SECRET_PREFIX", Key: "wallet/secret_prefix", Generate: true},
		{EnvVar: "ANALYTICS_WEBHOOK_SECRET", Key: "analytics/webhook_secret"},
		{EnvVar: "CONVERSIONS_ACCESS_TOKEN", Key: "conversions/access_token"},
	}
}

// Step outcomes.
const (
	ActionWritten     = "written"
	ActionGenerated   = "generated"
	ActionOverwritten = "overwritten"
	ActionExists      = "exists"
	ActionSkipped     = "skipped"
)

// StepResult records what happened to one secret.
type StepResult struct {
	EnvVar string
	Path   string
	Action string
}

// Runner seeds the inventory into SSM.
type Runner struct {
	SSM       *SSMManager
	Lookup    func(key string) (string, bool)
	Generate  func() (string, error)
	Overwrite bool
	Logger    *slog.Logger
}

// Run processes every secret in order and stops at the first failure.
// Optional secrets with no value are skipped.
func (r *Runner) Run(ctx context.Context, inventory []Secret) ([]StepResult, error) {
	results := make([]StepResult, 0, len(inventory))
	for _, s := range inventory {
		res, err := r.step(ctx, s)
		if err != nil {
			return results, fmt.Errorf("%s: %w", s.EnvVar, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) step(ctx context.Context, s Secret) (StepResult, error) {
	res := StepResult{EnvVar: s.EnvVar, Path: r.SSM.Path(s.Key)}

	exists, err := r.SSM.Exists(ctx, res.Path)
	if err != nil {
		return res, err
	}
	if exists && !r.Overwrite {
		res.Action = ActionExists
		return res, nil
	}

	value, supplied := r.Lookup(s.EnvVar)
	action := ActionWritten
	switch {
	case supplied && value != "":
	case s.Generate:
		if value, err = r.Generate(); err != nil {
			return res, err
		}
		action = ActionGenerated
	case exists:
		// Nothing new to write; keep the stored value.
		res.Action = ActionExists
		return res, nil
	case s.Required:
		return res, fmt.Errorf("no value supplied and %s does not exist", res.Path)
	default:
		r.Logger.Info("optional secret not supplied", "env_var", s.EnvVar)
		res.Action = ActionSkipped
		return res, nil
	}

	if err := r.SSM.PutSecret(ctx, res.Path, value, exists); err != nil {
		return res, err
	}
	if exists {
		action = ActionOverwritten
	}
	res.Action = action
	return res, nil
}

// WritePointers writes X_SSM_PARAM=path lines for every secret present in
// SSM after the run, in dotenv format.
func WritePointers(filename string, results []StepResult) error {
	env := make(map[string]string, len(results))
	for _, r := range results {
		if r.Action == ActionSkipped {
			continue
		}
		env[r.EnvVar+"_SSM_PARAM"] = r.Path
	}
	return godotenv.Write(env, filename)
}

// GenerateSecureToken returns 32 random bytes hex-encoded.
func GenerateSecureToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secure token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
