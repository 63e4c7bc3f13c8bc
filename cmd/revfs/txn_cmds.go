package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	var lstxnsCmd = &cobra.Command{
		Use:   "lstxns",
		Short: "List uncommitted transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			records, err := r.ListTransactions()
			if err != nil {
				return err
			}
			for _, rec := range records {
				fmt.Printf("%s  base r%d  %s  %s\n", rec.ID, rec.BaseRev, rec.Author, rec.Created.Format(time.RFC3339))
			}
			return nil
		},
	}

	var rmtxnsCmd = &cobra.Command{
		Use:   "rmtxns <txn>...",
		Short: "Delete uncommitted transactions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			var failed int
			for _, id := range args {
				if err := r.PurgeTransaction(id); err != nil {
					fmt.Println(color.RedString("Failed to remove %s: %v", id, err))
					failed++
					continue
				}
				fmt.Printf("Transaction '%s' removed.\n", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d transaction(s) not removed", failed)
			}
			return nil
		},
	}

	rootCmd.AddCommand(lstxnsCmd)
	rootCmd.AddCommand(rmtxnsCmd)
}
