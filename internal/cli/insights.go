package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Inspect seller insights",
}

var insightsListCmd = &cobra.Command{
	Use:   "list <seller-id>",
	Short: "List a seller's active insights",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		insights, err := store.ActiveInsights(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(insights) == 0 {
			fmt.Println("No active insights")
			return nil
		}
		for _, in := range insights {
			flag := ""
			if in.Dismissed {
				flag = " (dismissed)"
			}
			fmt.Printf("%s  %-17s %-6s %s%s\n", in.ID, in.Type, in.Confidence, in.Message, flag)
		}
		return nil
	},
}

var insightsDismissCmd = &cobra.Command{
	Use:   "dismiss <insight-id>",
	Short: "Hide an insight; the same finding is not raised again while it holds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.DismissInsight(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("dismiss %s: %w", args[0], err)
		}
		fmt.Printf("Insight %s dismissed\n", args[0])
		return nil
	},
}

func init() {
	insightsCmd.AddCommand(insightsListCmd, insightsDismissCmd)
}
