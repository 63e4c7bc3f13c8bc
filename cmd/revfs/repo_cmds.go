package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"revfs/internal/noderev"
	"revfs/internal/props"
	"revfs/internal/repo"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func init() {
	var createCmd = &cobra.Command{
		Use:   "create [path]",
		Short: "Create an empty repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Repository.Path = args[0]
			}
			if cmd.Flags().Changed("shard-size") {
				cfg.Repository.ShardSize, _ = cmd.Flags().GetInt64("shard-size")
			}

			r, err := repo.Create(repoOptions(cfg, nil))
			if err != nil {
				return fmt.Errorf("creating repository: %w", err)
			}
			defer r.Close()

			abs, _ := filepath.Abs(r.Path())
			fmt.Println("Created empty repository in", abs)
			return nil
		},
	}
	createCmd.Flags().Int64("shard-size", 1000, "Revisions per shard")

	var youngestCmd = &cobra.Command{
		Use:   "youngest",
		Short: "Print the youngest revision number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			youngest, err := r.Youngest()
			if err != nil {
				return err
			}
			fmt.Println(youngest)
			return nil
		},
	}

	var logCmd = &cobra.Command{
		Use:   "log",
		Short: "Show revision properties and changed paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			youngest, err := r.Youngest()
			if err != nil {
				return err
			}
			revFlag, _ := cmd.Flags().GetString("revision")
			verbose, _ := cmd.Flags().GetBool("verbose")
			start, end, err := parseRange(revFlag, youngest)
			if err != nil {
				return err
			}
			if revFlag == "" {
				start, end = youngest, 0
			}
			return printLog(cmd.OutOrStdout(), r, start, end, verbose)
		},
	}
	logCmd.Flags().StringP("revision", "r", "", "Revision or range N:M (default: all)")
	logCmd.Flags().BoolP("verbose", "v", false, "Show changed paths")

	var lsCmd = &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			rev, p, err := revAndPath(cmd, r, args)
			if err != nil {
				return err
			}
			entries, err := r.ListDir(context.Background(), rev, p)
			if err != nil {
				return err
			}
			blue := color.New(color.FgBlue).SprintFunc()
			for _, e := range entries {
				if e.Kind == noderev.Dir {
					fmt.Printf("%10s  %s/\n", "", blue(e.Name))
					continue
				}
				fmt.Printf("%10s  %s\n", units.HumanSize(float64(e.Size)), e.Name)
			}
			return nil
		},
	}
	lsCmd.Flags().StringP("revision", "r", "", "Revision (default: youngest)")

	var catCmd = &cobra.Command{
		Use:   "cat <path>",
		Short: "Print the content of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			rev, p, err := revAndPath(cmd, r, args)
			if err != nil {
				return err
			}
			rc, err := r.ReadFile(context.Background(), rev, p)
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}
	catCmd.Flags().StringP("revision", "r", "", "Revision (default: youngest)")

	var packCmd = &cobra.Command{
		Use:   "pack",
		Short: "Pack every complete shard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			n, err := r.Pack(cmd.Context())
			if err != nil {
				return fmt.Errorf("packing: %w", err)
			}
			fmt.Printf("Packed %d shard(s)\n", n)
			return nil
		},
	}

	var verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Check representation checksums",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			youngest, err := r.Youngest()
			if err != nil {
				return err
			}
			revFlag, _ := cmd.Flags().GetString("revision")
			start, end, err := parseRange(revFlag, youngest)
			if err != nil {
				return err
			}
			res, err := r.Verify(cmd.Context(), start, end)
			if err != nil {
				if res != nil {
					fmt.Println(color.RedString("Verification failed after %d revision(s)", res.Revisions))
				}
				return err
			}
			fmt.Println(color.GreenString("Verified %d revision(s), %d representation(s)", res.Revisions, res.Representations))
			return nil
		},
	}
	verifyCmd.Flags().StringP("revision", "r", "", "Revision or range N:M (default: all)")

	var importCmd = &cobra.Command{
		Use:   "import <dir> <repo-path>",
		Short: "Commit a local directory tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			author, _ := cmd.Flags().GetString("author")
			message, _ := cmd.Flags().GetString("message")
			src, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			info, err := r.Import(cmd.Context(), afero.NewOsFs(), src, args[1], r.CommitOptions(author, message))
			if err != nil {
				return fmt.Errorf("importing: %w", err)
			}
			fmt.Println("Committed revision", color.GreenString("%d", info.Revision))
			if info.PostCommitErr != nil {
				fmt.Fprintln(os.Stderr, color.YellowString("Warning: %v", info.PostCommitErr))
			}
			return nil
		},
	}
	importCmd.Flags().StringP("message", "m", "", "Log message")
	importCmd.Flags().String("author", os.Getenv("USER"), "Commit author")

	var setRevpropCmd = &cobra.Command{
		Use:   "setrevprop <name> [value]",
		Short: "Set or delete a revision property",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			youngest, err := r.Youngest()
			if err != nil {
				return err
			}
			revFlag, _ := cmd.Flags().GetString("revision")
			rev, err := parseRev(revFlag, youngest)
			if err != nil {
				return err
			}
			del, _ := cmd.Flags().GetBool("delete")
			user, _ := cmd.Flags().GetString("user")

			var value []byte
			switch {
			case del:
			case len(args) == 2:
				value = []byte(args[1])
			default:
				return fmt.Errorf("specify a value or --delete")
			}
			if err := r.SetRevisionProperty(cmd.Context(), rev, args[0], value, user); err != nil {
				return err
			}
			fmt.Printf("Property '%s' set on revision %d\n", args[0], rev)
			return nil
		},
	}
	setRevpropCmd.Flags().StringP("revision", "r", "", "Revision (default: youngest)")
	setRevpropCmd.Flags().Bool("delete", false, "Delete the property")
	setRevpropCmd.Flags().String("user", os.Getenv("USER"), "User making the change")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(youngestCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(setRevpropCmd)
}

func revAndPath(cmd *cobra.Command, r *repo.Repository, args []string) (int64, string, error) {
	youngest, err := r.Youngest()
	if err != nil {
		return 0, "", err
	}
	revFlag, _ := cmd.Flags().GetString("revision")
	rev, err := parseRev(revFlag, youngest)
	if err != nil {
		return 0, "", err
	}
	p := "/"
	if len(args) > 0 {
		p = args[0]
	}
	return rev, p, nil
}

func printLog(w io.Writer, r *repo.Repository, start, end int64, verbose bool) error {
	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	rule := strings.Repeat("-", 72)

	revs := []int64{}
	if start <= end {
		for rev := start; rev <= end; rev++ {
			revs = append(revs, rev)
		}
	} else {
		for rev := start; rev >= end; rev-- {
			revs = append(revs, rev)
		}
	}

	fmt.Fprintln(w, rule)
	for _, rev := range revs {
		p, err := r.RevisionProps(rev)
		if err != nil {
			return err
		}
		msg := p[props.Log]
		lines := strings.Count(msg, "\n")
		if msg != "" && !strings.HasSuffix(msg, "\n") {
			lines++
		}
		fmt.Fprintf(w, "%s | %s | %s | %d line(s)\n", yellow(fmt.Sprintf("r%d", rev)), p[props.Author], p[props.Date], lines)

		if verbose {
			rec, err := r.Revision(rev)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "Changed paths:")
			for _, ch := range rec.Changes {
				action := ch.Action
				switch action {
				case "A":
					action = green(action)
				case "D":
					action = red(action)
				default:
					action = cyan(action)
				}
				line := fmt.Sprintf("   %s %s", action, ch.Path)
				if ch.CopyFrom != nil {
					line += fmt.Sprintf(" (from %s:%d)", ch.CopyFrom.Path, ch.CopyFrom.Rev)
				}
				fmt.Fprintln(w, line)
			}
		}
		if msg != "" {
			fmt.Fprintf(w, "\n%s\n", strings.TrimSuffix(msg, "\n"))
		}
		fmt.Fprintln(w, rule)
	}
	return nil
}
