package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/duckclient/duckclient/internal/appconfig"
	"github.com/duckclient/duckclient/internal/backup"
	"github.com/duckclient/duckclient/internal/pipeline"
)

// CLI bundles the constructed collaborators the subcommands drive. Modeled
// on the teacher's migrations.CLI: a thin struct of pre-built managers plus
// one cobra.Command-returning method per subcommand.
type CLI struct {
	cfg    *appconfig.Config
	orch   *pipeline.Orchestrator
	backup *backup.Engine
}

func (c *CLI) upgradeCommand() *cobra.Command {
	var forceFull bool
	var firstDeployment bool

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Resolve and apply the next available upgrade",
		Long:  "Runs the upgrade pipeline: resolve the remote manifest, download, stop, back up, replace, restore data, start, verify, migrate schema, and settle.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			opts := pipeline.UpgradeOptions{ForceFull: forceFull}

			var (
				result *pipeline.Result
				err    error
			)
			if firstDeployment {
				result, err = c.orch.FirstDeployment(ctx, opts)
			} else {
				result, err = c.orch.Upgrade(ctx, opts)
			}
			if result != nil && result.Diagnosis != nil {
				fmt.Printf("diagnosis: %s\n", result.Diagnosis.Error())
				if result.Diagnosis.PreUpgradeBackupID != nil {
					fmt.Printf("pre-upgrade backup id: %d (use 'duckclient rollback --backup-id %d' to restore it)\n",
						*result.Diagnosis.PreUpgradeBackupID, *result.Diagnosis.PreUpgradeBackupID)
				}
				return fmt.Errorf("upgrade did not reach Done")
			}
			if err != nil {
				return fmt.Errorf("upgrade failed: %w", err)
			}

			fmt.Printf("state: %s, strategy: %s, %s -> %s\n",
				result.State, result.Strategy, result.FromVersion.ShortString(), result.ToVersion.ShortString())
			return nil
		},
	}

	cmd.Flags().BoolVar(&forceFull, "force-full", false, "skip the selector and always perform a full upgrade")
	cmd.Flags().BoolVar(&firstDeployment, "first-deployment", false, "run the bootstrap path instead of an in-place upgrade")

	return cmd
}

func (c *CLI) backupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage on-demand backups",
		Long:  "Create, list, and delete backups of the working directory's data/app/config subtrees.",
	}

	cmd.AddCommand(c.backupCreateCommand(), c.backupListCommand(), c.backupDeleteCommand())
	return cmd
}

func (c *CLI) backupCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a manual backup now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ok := c.orch.RunAutoBackup(context.Background())
			if !ok {
				return fmt.Errorf("backup failed; see log for details")
			}
			fmt.Println("backup created")
			return nil
		},
	}
	return cmd
}

func (c *CLI) backupListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := c.backup.ListBackups()
			if err != nil {
				return fmt.Errorf("failed to list backups: %w", err)
			}
			fmt.Printf("%-6s %-12s %-10s %-10s %-10s %s\n", "ID", "KIND", "VERSION", "SIZE", "STATUS", "CREATED_AT")
			for _, r := range records {
				fmt.Printf("%-6d %-12s %-10s %-10d %-10s %s\n",
					r.ID, r.Kind, r.SourceVersion, r.SizeBytes, r.Status, r.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	return cmd
}

func (c *CLI) backupDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Delete a backup's archive and record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid backup id: %w", err)
			}
			if err := c.backup.DeleteBackup(id); err != nil {
				return fmt.Errorf("failed to delete backup %d: %w", id, err)
			}
			fmt.Printf("backup %d deleted\n", id)
			return nil
		},
	}
	return cmd
}

func (c *CLI) restoreCommand() *cobra.Command {
	var backupID int64
	var dataOnly bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the working directory from a backup (services left as-is)",
		Long:  "Low-level restore that does not stop/start services; prefer 'rollback' for a full upgrade-failure recovery.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if backupID == 0 {
				return fmt.Errorf("--backup-id is required")
			}
			mode := backup.FullRestore
			if dataOnly {
				mode = backup.DataDirectoryOnly
			}
			if err := c.backup.Restore(context.Background(), backup.RestoreOptions{
				BackupID:    backupID,
				TargetDir:   c.cfg.WorkDir,
				Mode:        mode,
				IncludeDirs: includeDirsFor(dataOnly, c.cfg),
			}, backup.LifecycleHooks{}); err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("restored backup %d into %s\n", backupID, c.cfg.WorkDir)
			return nil
		},
	}

	cmd.Flags().Int64Var(&backupID, "backup-id", 0, "backup record id to restore")
	cmd.Flags().BoolVar(&dataOnly, "data-only", false, "restore only the data directory instead of the full tree")

	return cmd
}

func (c *CLI) rollbackCommand() *cobra.Command {
	var backupID int64
	var dataOnly bool

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Stop services, restore a backup, repair permissions, and restart",
		Long:  "The explicit rollback entry point of a failed upgrade: pass the pre-upgrade backup id reported by 'duckclient upgrade'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if backupID == 0 {
				return fmt.Errorf("--backup-id is required")
			}
			if err := c.orch.RollbackToBackup(context.Background(), pipeline.RollbackOptions{
				BackupID:    backupID,
				IncludeDirs: includeDirsFor(dataOnly, c.cfg),
			}); err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			fmt.Printf("rolled back to backup %d\n", backupID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&backupID, "backup-id", 0, "backup record id to roll back to")
	cmd.Flags().BoolVar(&dataOnly, "data-only", false, "restore only the data directory instead of the full tree")

	return cmd
}

func (c *CLI) healthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Report metadata-store and container health without mutating anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			h := c.orch.HealthCheck(context.Background())
			fmt.Printf("store reachable: %v\n", h.StoreReachable)
			if h.StoreError != "" {
				fmt.Printf("store error: %s\n", h.StoreError)
			}
			fmt.Printf("current version: %s\n", h.CurrentVersion)
			fmt.Printf("container overall state: %s\n", h.Container.Overall)
			for _, svc := range h.Container.Services {
				fmt.Printf("  %-20s %s\n", svc.Name, svc.Status)
			}
			if h.ContainerError != "" {
				fmt.Printf("container error: %s\n", h.ContainerError)
			}
			return nil
		},
	}
	return cmd
}

// includeDirsFor translates --data-only into the IncludeDirs list
// RollbackOptions uses to select DataDirectoryOnly restore mode.
func includeDirsFor(dataOnly bool, cfg *appconfig.Config) []string {
	if !dataOnly {
		return nil
	}
	return []string{"data"}
}
