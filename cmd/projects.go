package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"qi-agent/core/pkg/store"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage research projects",
}

var projectsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer manager.Close()
		info, err := manager.CreateProject(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Created project %q at %s\n", info.Name, info.Path)
		return nil
	},
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, _ []string) error {
		manager, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer manager.Close()
		infos, err := manager.ListProjects()
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("No projects yet.")
			return nil
		}
		for _, info := range infos {
			suffix := ""
			if info.Archived {
				suffix = " (archived)"
			}
			fmt.Printf("%s%s\n", info.Name, suffix)
		}
		return nil
	},
}

var projectsActivateCmd = &cobra.Command{
	Use:   "activate <name>",
	Short: "Check that a project can be activated",
	Long: `Verifies the project exists, is not archived and its database opens.
Activation itself is per chat session: start one with
qi-agent chat --project <name>.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer manager.Close()
		if _, err := manager.ActivateProject(args[0]); err != nil {
			return err
		}
		fmt.Printf("Project %q is ready; start a session with: qi-agent chat --project %q\n", args[0], args[0])
		return nil
	},
}

var projectsArchiveCmd = &cobra.Command{
	Use:   "archive <name>",
	Short: "Archive a project; its data stays on disk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer manager.Close()
		if err := manager.ArchiveProject(args[0]); err != nil {
			return err
		}
		fmt.Printf("Archived project %q.\n", args[0])
		return nil
	},
}

func openManager(cmd *cobra.Command) (*store.Manager, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return store.NewManager(cfg.ProjectDataRoot, nil)
}

func init() {
	projectsCmd.AddCommand(projectsCreateCmd)
	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsActivateCmd)
	projectsCmd.AddCommand(projectsArchiveCmd)
}
