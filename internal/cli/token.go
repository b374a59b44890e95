package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"callrouting-platform/internal/auth"
	"callrouting-platform/internal/config"
	"callrouting-platform/internal/rbac"

	"github.com/spf13/cobra"
)

type TokenOptions struct {
	UserID   string
	TenantID string
	Role     string
	TTL      time.Duration
	Secret   string
	Issuer   string
	Audience string
}

type TokenResult struct {
	AccessToken string    `json:"access_token" yaml:"access_token"`
	ExpiresAt   time.Time `json:"expires_at" yaml:"expires_at"`
}

// NewTokenCommand mints a service-account token for flowctl, the telephony
// driver and other scripts. The secret defaults to $JWT_SECRET.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := TokenOptions{}
	cmd := &cobra.Command{
		Use:           "token",
		Short:         "Issue a service-account API token",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			res, err := IssueToken(opts, time.Now())
			if err != nil {
				return err
			}
			return out.Emit(res, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, res.AccessToken)
				return err
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.UserID, "service", "flowctl", "service account name; the token's user id is svc:<name>")
	f.StringVar(&opts.TenantID, "tenant", "", "tenant id")
	f.StringVar(&opts.Role, "role", rbac.RoleFlowEditor, "role")
	f.DurationVar(&opts.TTL, "ttl", time.Hour, "token lifetime")
	f.StringVar(&opts.Secret, "secret", os.Getenv("JWT_SECRET"), "signing secret")
	f.StringVar(&opts.Issuer, "issuer", os.Getenv("JWT_ISSUER"), "token issuer")
	f.StringVar(&opts.Audience, "audience", os.Getenv("JWT_AUDIENCE"), "token audience")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func IssueToken(opts TokenOptions, now time.Time) (TokenResult, error) {
	if opts.TTL <= 0 {
		return TokenResult{}, WrapExitError(ExitCommandError, "ttl must be positive", nil)
	}
	m, err := auth.NewManager(config.AuthConfig{
		JWTSecret:   opts.Secret,
		JWTIssuer:   opts.Issuer,
		JWTAudience: opts.Audience,
	})
	if err != nil {
		return TokenResult{}, WrapExitError(ExitCommandError, "auth config", err)
	}
	tok, err := m.IssueService(now, opts.UserID, opts.TenantID, opts.Role, opts.TTL)
	if err != nil {
		return TokenResult{}, WrapExitError(ExitFailure, "issue token", err)
	}
	return TokenResult{AccessToken: tok, ExpiresAt: now.Add(opts.TTL).UTC()}, nil
}
