package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/iglood/internal/models"
	"github.com/fentz26/iglood/internal/tui"
)

var permsCmd = &cobra.Command{
	Use:   "perms",
	Short: "Manage per-app permission rules",
}

var permsApp string

func init() {
	permsCmd.PersistentFlags().StringVar(&permsApp, "app", "", "Calling app identifier")

	permsCmd.AddCommand(permsListCmd)
	permsCmd.AddCommand(permsGrantCmd)
	permsCmd.AddCommand(permsRevokeCmd)
	permsCmd.AddCommand(permsRevokeAllCmd)
	permsCmd.AddCommand(permsBulkCmd)
}

var permsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List permission rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := tui.NewClient(apiAddr).ListRules(permsApp)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "APP\tOPERATION\tKIND\tVERDICT\tGRANTED")
		for _, r := range rules {
			verdict := "deny"
			if r.Allowed {
				verdict = "allow"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.AppID, r.Operation, r.Kind, verdict, r.GrantedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var (
	grantKind string
	grantDeny bool
)

var permsGrantCmd = &cobra.Command{
	Use:   "grant <operation>",
	Short: "Grant (or with --deny, deny) an operation for an app",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if permsApp == "" {
			return fmt.Errorf("--app is required")
		}
		if _, ok := models.ParseOperation(args[0]); !ok {
			return fmt.Errorf("unknown operation %q", args[0])
		}
		return newAPIClient(apiAddr).postJSON("/v1/permissions", map[string]any{
			"app":       permsApp,
			"operation": args[0],
			"kind":      grantKind,
			"allowed":   !grantDeny,
		})
	},
}

var permsRevokeCmd = &cobra.Command{
	Use:   "revoke <operation>",
	Short: "Revoke the rule for an operation (absence means re-prompt)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if permsApp == "" {
			return fmt.Errorf("--app is required")
		}
		v := url.Values{}
		v.Set("app", permsApp)
		v.Set("operation", args[0])
		if grantKind != "" {
			v.Set("kind", grantKind)
		}
		return newAPIClient(apiAddr).delete("/v1/permissions?" + v.Encode())
	},
}

var permsRevokeAllCmd = &cobra.Command{
	Use:   "revoke-all",
	Short: "Revoke every rule for an app",
	RunE: func(cmd *cobra.Command, args []string) error {
		if permsApp == "" {
			return fmt.Errorf("--app is required")
		}
		return newAPIClient(apiAddr).delete("/v1/apps/" + permsApp)
	},
}

var permsBulkCmd = &cobra.Command{
	Use:   "bulk <operation[:kind]>...",
	Short: "Set several rules for an app in one atomic write",
	Long: `Sets the given operation rules in one write. Each argument is an
operation name with an optional kind restriction, e.g. "sign_event:22242".
Use --deny to make it a bulk deny.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if permsApp == "" {
			return fmt.Errorf("--app is required")
		}
		type selection struct {
			Operation string `json:"operation"`
			Kind      string `json:"kind,omitempty"`
		}
		selections := make([]selection, 0, len(args))
		for _, arg := range args {
			op, kind, _ := strings.Cut(arg, ":")
			if _, ok := models.ParseOperation(op); !ok {
				return fmt.Errorf("unknown operation %q", op)
			}
			selections = append(selections, selection{Operation: op, Kind: kind})
		}
		return newAPIClient(apiAddr).postJSON("/v1/permissions/bulk", map[string]any{
			"app":        permsApp,
			"allowed":    !grantDeny,
			"selections": selections,
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{permsGrantCmd, permsRevokeCmd, permsBulkCmd} {
		c.Flags().StringVar(&grantKind, "kind", "", `Event kind restriction ("*" or a number; sign_event only)`)
		c.Flags().BoolVar(&grantDeny, "deny", false, "Write a deny rule instead of an allow rule")
	}
}
