package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dbclient"
)

// statusView prints a dbclient.Status.
type statusView struct {
	dbclient.Status
	Healthy bool `json:"healthy"`
}

func (v statusView) String() string {
	var sb strings.Builder
	for _, a := range v.Adapters {
		state := "ok"
		if !a.Healthy {
			state = "down: " + a.Error
		}
		fmt.Fprintf(&sb, "%-9s %-18s %s\n", a.Role, a.Name, state)
	}
	fmt.Fprintf(&sb, "breaker   %s (threshold %d, recovery %s)",
		v.Breaker.Adapter, v.Breaker.FailureThreshold, v.Breaker.RecoveryTimeout)
	for _, s := range v.Breaker.Scopes {
		fmt.Fprintf(&sb, "\n  %-12s %-9s failures %d/%d", s.Scope, s.State, s.ConsecutiveFailures, s.TotalFailures)
	}
	return sb.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Ping both adapters and show breaker state",
		Long: `Ping the primary and secondary adapters and print the circuit breaker
state. Exits 1 when neither adapter is reachable.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rootOpts, func(ctx context.Context, c *dbclient.Client, f *OutputFormatter) error {
				st := c.Status(ctx)
				if err := f.Success(statusView{Status: st, Healthy: st.Healthy()}); err != nil {
					return err
				}
				if !st.Healthy() {
					return &ExitError{Code: ExitFailure, Message: "no adapter is reachable", Reported: true}
				}
				return nil
			})
		},
	}
}
