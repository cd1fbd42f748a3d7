package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/internal/models"
)

// policyCmd groups policy management subcommands.
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect or update per-principal policies",
}

var policyGetCmd = &cobra.Command{
	Use:   "get <principal-id>",
	Short: "Show the policy for a principal, provisioning defaults if unseen",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyGet,
}

var policySetCmd = &cobra.Command{
	Use:   "set <principal-id>",
	Short: "Update limits for a principal",
	Long: `Update one or more limits for a principal. Unset flags are left
untouched.

Example:
  tollgate policy set user-1 --requests-per-minute 120 --tokens-per-day 500000`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicySet,
}

var policySetFlags struct {
	RequestsPerMinute     int64
	RequestsPerHour       int64
	RequestsPerDay        int64
	TokensPerDay          int64
	MaxConcurrentRequests int64
}

func init() {
	policySetCmd.Flags().Int64Var(&policySetFlags.RequestsPerMinute, "requests-per-minute", 0, "Requests allowed per minute")
	policySetCmd.Flags().Int64Var(&policySetFlags.RequestsPerHour, "requests-per-hour", 0, "Requests allowed per hour")
	policySetCmd.Flags().Int64Var(&policySetFlags.RequestsPerDay, "requests-per-day", 0, "Requests allowed per day")
	policySetCmd.Flags().Int64Var(&policySetFlags.TokensPerDay, "tokens-per-day", 0, "Tokens allowed per day")
	policySetCmd.Flags().Int64Var(&policySetFlags.MaxConcurrentRequests, "max-concurrent", 0, "Concurrent requests allowed")

	policyCmd.AddCommand(policyGetCmd)
	policyCmd.AddCommand(policySetCmd)
	RootCmd.AddCommand(policyCmd)
}

func runPolicyGet(cmd *cobra.Command, args []string) error {
	principalID := args[0]

	cfg, err := loadConfigForCommand()
	if err != nil {
		return err
	}

	st, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	policy, err := st.GetOrCreatePolicy(context.Background(), principalID)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}

	printPolicy(policy)
	return nil
}

func runPolicySet(cmd *cobra.Command, args []string) error {
	principalID := args[0]

	update := &models.PolicyUpdate{}
	if cmd.Flags().Changed("requests-per-minute") {
		update.RequestsPerMinute = &policySetFlags.RequestsPerMinute
	}
	if cmd.Flags().Changed("requests-per-hour") {
		update.RequestsPerHour = &policySetFlags.RequestsPerHour
	}
	if cmd.Flags().Changed("requests-per-day") {
		update.RequestsPerDay = &policySetFlags.RequestsPerDay
	}
	if cmd.Flags().Changed("tokens-per-day") {
		update.TokensPerDay = &policySetFlags.TokensPerDay
	}
	if cmd.Flags().Changed("max-concurrent") {
		update.MaxConcurrentRequests = &policySetFlags.MaxConcurrentRequests
	}
	if update.IsEmpty() {
		return fmt.Errorf("no limits supplied; see --help for available flags")
	}

	cfg, err := loadConfigForCommand()
	if err != nil {
		return err
	}

	st, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if _, err := st.GetOrCreatePolicy(ctx, principalID); err != nil {
		return fmt.Errorf("failed to provision policy: %w", err)
	}

	policy, err := st.UpdatePolicy(ctx, principalID, update)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}

	printPolicy(policy)
	return nil
}

func printPolicy(p *models.QuotaPolicy) {
	if globalFlags.JSON {
		out, _ := json.MarshalIndent(p, "", "  ")
		fmt.Println(string(out))
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Principal:\t%s\n", p.PrincipalID)
	fmt.Fprintf(w, "Requests/minute:\t%d\n", p.RequestsPerMinute)
	fmt.Fprintf(w, "Requests/hour:\t%d\n", p.RequestsPerHour)
	fmt.Fprintf(w, "Requests/day:\t%d\n", p.RequestsPerDay)
	fmt.Fprintf(w, "Tokens/day:\t%d\n", p.TokensPerDay)
	fmt.Fprintf(w, "Max concurrent:\t%d\n", p.MaxConcurrentRequests)
	fmt.Fprintf(w, "Updated:\t%s\n", p.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	w.Flush()
}
