package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"extpack/internal/app"
	"extpack/internal/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	success = color.New(color.FgGreen)
	faint   = color.New(color.Faint)
)

// newApp loads the config, if any, and creates an ExtApp. The caller must
// defer app.Close(). operation identifies the CLI command being run.
func newApp(cmd *cobra.Command, operation string) (*app.ExtApp, *config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.Load(defaults["config_path"])
	if err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	a, err := app.NewExtApp(context.Background(), cfg, app.Options{
		Operation: operation,
		Verbose:   verbose,
		Stderr:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, cfg, nil
}

// passphrasePrompter returns a function that prompts on stderr and reads a
// passphrase without echo. When stdin is not a terminal, each call reads one
// line instead.
func passphrasePrompter(cmd *cobra.Command) func(prompt string) (string, error) {
	var lines *bufio.Reader
	return func(prompt string) (string, error) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)

		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return "", err
			}
			return string(b), nil
		}

		if lines == nil {
			lines = bufio.NewReader(cmd.InOrStdin())
		}
		line, err := lines.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}

var rootCmd = &cobra.Command{
	Use:   "extpack",
	Short: "Package a browser extension directory into a zip archive",
	Long: `extpack archives every regular file under the source directory into a
deflate-compressed zip, storing each file under its path relative to the
source. With --publish the archive is also uploaded to the configured vault.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		output, _ := cmd.Flags().GetString("output")
		exclude, _ := cmd.Flags().GetStringArray("exclude")
		excludeFrom, _ := cmd.Flags().GetString("exclude-from")
		publish, _ := cmd.Flags().GetString("publish")

		opts := app.PackageOptions{Exclude: exclude, ExcludeFrom: excludeFrom}
		if cmd.Flags().Changed("level") {
			level, _ := cmd.Flags().GetInt("level")
			opts.Level = &level
		}

		a, _, err := newApp(cmd, "Package")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Package(source, output, opts)
		if err != nil {
			return err
		}
		success.Fprintf(cmd.OutOrStdout(), "Packaged extension → %s\n", result.Output)

		if publish != "" {
			if err := a.Publish(result, publish); err != nil {
				return fmt.Errorf("publishing: %w", err)
			}
			success.Fprintf(cmd.OutOrStdout(), "Published %s\n", publish)
		}
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		out := cmd.OutOrStdout()
		success.Fprintf(out, "Configuration initialized at %s\n", defaults["config_path"])
		fmt.Fprintf(out, "Base Dir: %s\n", cfg.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.Load(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		out := cmd.OutOrStdout()
		if _, err := os.Stat(defaults["config_path"]); err != nil {
			faint.Fprintf(out, "# no config file at %s, showing defaults\n\n", defaults["config_path"])
		} else {
			faint.Fprintf(out, "# configuration from %s\n\n", defaults["config_path"])
		}

		m := &config.Manager{}
		return m.Write(out, cfg)
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the key pair used to encrypt published archives",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cfg, err := newApp(cmd, "SetupKeys")
		if err != nil {
			return err
		}
		defer a.Close()

		prompt := passphrasePrompter(cmd)
		pass, err := prompt("New passphrase: ")
		if err != nil {
			return fmt.Errorf("reading passphrase: %w", err)
		}
		confirm, err := prompt("Repeat passphrase: ")
		if err != nil {
			return fmt.Errorf("reading passphrase: %w", err)
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := a.SetupKeys(pass); err != nil {
			return err
		}

		success.Fprintf(cmd.OutOrStdout(), "Keys written to %s\n", cfg.Encryption.PublicKeyPath)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View packaging history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, _, err := newApp(cmd, "History")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(runs) == 0 {
			fmt.Fprintln(out, "No packaging runs recorded.")
			return nil
		}

		for _, r := range runs {
			duration := ""
			if r.FinishedAt.Valid {
				duration = r.FinishedAt.Time.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			published := ""
			if r.PublishedAs.Valid {
				published = "  published:" + r.PublishedAs.String
			}
			fmt.Fprintf(out, "%.8s  %s  %-8s  %4d  %10d  %-8s  %s%s\n",
				r.ID,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Status,
				r.Entries,
				r.Size,
				duration,
				r.Output,
				published,
			)
		}
		return nil
	},
}

// fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch NAME DEST",
	Short: "Download a published archive from the vault",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := newApp(cmd, "Fetch")
		if err != nil {
			return err
		}
		defer a.Close()

		prompt := passphrasePrompter(cmd)
		dest, err := a.Fetch(args[0], args[1], func() (string, error) {
			return prompt("Passphrase: ")
		})
		if err != nil {
			return err
		}

		success.Fprintf(cmd.OutOrStdout(), "Fetched %s → %s\n", args[0], dest)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output to stderr")

	rootCmd.Flags().String("source", config.DefaultSource, "Directory to package")
	rootCmd.Flags().String("output", config.DefaultOutput, "Archive to write")
	rootCmd.Flags().StringArray("exclude", nil, "Glob pattern of files to leave out (repeatable)")
	rootCmd.Flags().String("exclude-from", "", "File of exclude patterns, one per line")
	rootCmd.Flags().Int("level", -1, "Deflate level, -1 (default) through 9; overrides archive.level")
	rootCmd.Flags().String("publish", "", "Upload the archive to the vault under this name")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to show")
	rootCmd.AddCommand(fetchCmd)
}
