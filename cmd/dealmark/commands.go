package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

// --- user ---

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage reviewer accounts",
}

var userAddCmd = &cobra.Command{
	Use:   "add <email> <name>",
	Short: "Add a reviewer to the allowlist",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		isAdmin, _ := cmd.Flags().GetBool("admin")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"email":    args[0],
			"name":     args[1],
			"is_admin": isAdmin,
		}
		resp, err := client.postJSON(cmd.Context(), "/admin/users", body)
		if err != nil {
			return err
		}

		var created struct {
			Email   string `json:"email"`
			Name    string `json:"name"`
			IsAdmin bool   `json:"is_admin"`
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		if created.IsAdmin {
			printSuccess("Added admin %s <%s>", created.Name, created.Email)
		} else {
			printSuccess("Added reviewer %s <%s>", created.Name, created.Email)
		}
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reviewers and their progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/admin/users")
		if err != nil {
			return err
		}

		var users []struct {
			Email          string `json:"email"`
			Name           string `json:"name"`
			IsAdmin        bool   `json:"is_admin"`
			CompletedCount int    `json:"completed_count"`
			TotalDeals     int    `json:"total_deals"`
		}
		if err := decodeJSON(resp, &users); err != nil {
			return err
		}

		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}

		for _, u := range users {
			role := ""
			if u.IsAdmin {
				role = colorize(colorYellow, " [admin]")
			}
			fmt.Printf("%s  %s%s  %d/%d deals\n",
				colorize(colorCyan, u.Email),
				u.Name,
				role,
				u.CompletedCount,
				u.TotalDeals,
			)
		}
		return nil
	},
}

var userRemoveCmd = &cobra.Command{
	Use:   "remove <email>",
	Short: "Remove a reviewer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keepProgress, _ := cmd.Flags().GetBool("keep-progress")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/admin/users/" + url.PathEscape(args[0])
		if keepProgress {
			path += "?keep_progress=true"
		}
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			Status       string `json:"status"`
			KeptProgress bool   `json:"kept_progress"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.KeptProgress {
			printSuccess("Removed %s (annotations kept)", args[0])
		} else {
			printSuccess("Removed %s and their annotations", args[0])
		}
		return nil
	},
}

func init() {
	userAddCmd.Flags().Bool("admin", false, "grant admin access")
	userRemoveCmd.Flags().Bool("keep-progress", false, "keep the user's annotations")
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userRemoveCmd)
}

// --- deals / outputs ---

func loadFile(cmd *cobra.Command, path, target, noun string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.putRaw(cmd.Context(), target, data)
	if err != nil {
		return err
	}

	var result struct {
		Loaded int `json:"loaded"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	printSuccess("Loaded %d %s from %s", result.Loaded, noun, path)
	return nil
}

var dealsCmd = &cobra.Command{
	Use:   "deals",
	Short: "Manage the deal dataset",
}

var dealsLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Load a deal export (JSON array or ID-keyed object)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return loadFile(cmd, args[0], "/admin/deals", "deals")
	},
}

var outputsCmd = &cobra.Command{
	Use:   "outputs",
	Short: "Manage stored sentiment analyses",
}

var outputsLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Load a sentiment analysis export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return loadFile(cmd, args[0], "/admin/outputs", "analyses")
	},
}

func init() {
	dealsCmd.AddCommand(dealsLoadCmd)
	outputsCmd.AddCommand(outputsLoadCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show global annotation coverage",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/admin/stats")
		if err != nil {
			return err
		}

		var stats struct {
			TotalUsers       int `json:"total_users"`
			TotalDeals       int `json:"total_deals"`
			TotalAnnotations int `json:"total_annotations"`
			CompletedDeals   int `json:"completed_deals"`
			TargetPerDeal    int `json:"target_annotations_per_deal"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Users", "%d", stats.TotalUsers)
		printStatus("Deals", "%d", stats.TotalDeals)
		printStatus("Annotations", "%d", stats.TotalAnnotations)
		printStatus("Fully covered", "%d of %d (target %d per deal)", stats.CompletedDeals, stats.TotalDeals, stats.TargetPerDeal)
		return nil
	},
}
