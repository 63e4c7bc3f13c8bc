package main

import (
	"fmt"
	"os"
	"time"

	"revfs/internal/repo"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	var lockCmd = &cobra.Command{
		Use:   "lock <path>",
		Short: "Lock a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			owner, _ := cmd.Flags().GetString("owner")
			comment, _ := cmd.Flags().GetString("comment")
			token, _ := cmd.Flags().GetString("token")
			steal, _ := cmd.Flags().GetBool("force")
			ttl, _ := cmd.Flags().GetDuration("expires-in")

			req := repo.LockRequest{Path: args[0], Owner: owner, Comment: comment, Token: token, Steal: steal}
			if ttl > 0 {
				exp := time.Now().UTC().Add(ttl)
				req.Expires = &exp
			}
			l, err := r.Lock(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("'%s' locked by user '%s'.\n", l.Path, l.Owner)
			fmt.Println("Token:", color.CyanString(l.Token))
			return nil
		},
	}
	lockCmd.Flags().String("owner", os.Getenv("USER"), "Lock owner")
	lockCmd.Flags().StringP("comment", "m", "", "Lock comment")
	lockCmd.Flags().String("token", "", "Token to use or refresh")
	lockCmd.Flags().Bool("force", false, "Steal an existing lock")
	lockCmd.Flags().Duration("expires-in", 0, "Lock lifetime (default: never expires)")

	var unlockCmd = &cobra.Command{
		Use:   "unlock <path>",
		Short: "Release a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			user, _ := cmd.Flags().GetString("user")
			token, _ := cmd.Flags().GetString("token")
			force, _ := cmd.Flags().GetBool("force")
			if err := r.Unlock(cmd.Context(), args[0], token, user, force); err != nil {
				return err
			}
			fmt.Printf("'%s' unlocked.\n", args[0])
			return nil
		},
	}
	unlockCmd.Flags().String("user", os.Getenv("USER"), "User releasing the lock")
	unlockCmd.Flags().String("token", "", "Lock token")
	unlockCmd.Flags().Bool("force", false, "Break the lock regardless of token and owner")

	var lslocksCmd = &cobra.Command{
		Use:   "lslocks [path]",
		Short: "List locks at or beneath a path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			p := "/"
			if len(args) == 1 {
				p = args[0]
			}
			locks, err := r.Locks(p)
			if err != nil {
				return err
			}
			for _, l := range locks {
				fmt.Println("Path:", color.New(color.Bold).Sprint(l.Path))
				fmt.Println("UUID Token:", l.Token)
				fmt.Println("Owner:", l.Owner)
				fmt.Println("Created:", l.Created.Format(time.RFC3339))
				if l.Expires != nil {
					fmt.Println("Expires:", l.Expires.Format(time.RFC3339))
				}
				if l.Comment != "" {
					fmt.Printf("Comment:\n%s\n", l.Comment)
				}
				fmt.Println()
			}
			return nil
		},
	}

	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(lslocksCmd)
}
