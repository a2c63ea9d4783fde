package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/router-for-me/MarketEMI/internal/app"
	"github.com/router-for-me/MarketEMI/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("EMI")
	_ = v.BindEnv("config")

	cmd := &cobra.Command{
		Use:           "emi",
		Short:         "MarketEMI installment financing service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringP("config", "c", "", "config file (default config.yaml, env EMI_CONFIG)")
	_ = v.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))

	appConfig := func() config.AppConfig {
		return config.AppConfig{ConfigPath: config.ResolveConfigPath(v.GetString("config"))}
	}

	cmd.AddCommand(serveCmd(appConfig))
	cmd.AddCommand(migrateCmd(appConfig))
	cmd.AddCommand(sweepCmd(appConfig))
	cmd.AddCommand(configCmd(appConfig))
	cmd.AddCommand(adminCmd(appConfig))
	return cmd
}

func serveCmd(appConfig func() config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.RunServer(ctx, appConfig())
		},
	}
}

func migrateCmd(appConfig func() config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Migrate(cmd.Context(), appConfig())
		},
	}
}

func sweepCmd(appConfig func() config.AppConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one background sweep and exit",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "installments",
		Short: "Advance installment statuses and detect defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := app.SweepInstallments(cmd.Context(), appConfig())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "transitions=%d defaulted=%d\n", len(result.Transitions), len(result.Defaulted))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reminders",
		Short: "Send upcoming installment reminders",
		RunE: func(cmd *cobra.Command, args []string) error {
			sent, err := app.SendReminders(cmd.Context(), appConfig())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reminded=%d\n", sent)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "approvals",
		Short: "Auto-approve eligible cardless applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			approved, err := app.RunAutoApproval(cmd.Context(), appConfig())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approved=%d\n", approved)
			return nil
		},
	})
	return cmd
}

func configCmd(appConfig func() config.AppConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := appConfig().ConfigPath
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	})
	return cmd
}

func adminCmd(appConfig func() config.AppConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage operator accounts",
	}

	var (
		username string
		password string
		manager  bool
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an operator account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("EMI_ADMIN_PASSWORD")
			}
			admin, err := app.CreateAdmin(cmd.Context(), appConfig(), app.CreateAdminParams{
				Username: username,
				Password: password,
				Manager:  manager,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created admin id=%d username=%s manager=%v\n", admin.ID, admin.Username, admin.CanManage)
			return nil
		},
	}
	create.Flags().StringVarP(&username, "username", "u", "", "login name")
	create.Flags().StringVarP(&password, "password", "p", "", "password (or env EMI_ADMIN_PASSWORD)")
	create.Flags().BoolVar(&manager, "manager", false, "grant plan and settings management")
	_ = create.MarkFlagRequired("username")
	cmd.AddCommand(create)
	return cmd
}
