package main

import (
	"context"
	"fmt"
	"time"

	"github.com/campuslink/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, login and tab status",
	Long:  "Display the current configuration, check whether the saved token has expired, list running chatsync instances and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL+" (default)"))
		if cfg.Default.WSURL != "" {
			fmt.Printf("  WS URL:      %s\n", cfg.Default.WSURL)
		}
		path, _ := storePath(cfg)
		fmt.Printf("  Store:       %s\n", path)

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Username:    %s\n", valueOrDefault(cfg.Auth.Username, "(not logged in)"))

		tokenStatus := "none"
		if cfg.Auth.AccessToken != "" {
			if exp, ok := chatsync.TokenExpiry(cfg.Auth.AccessToken); ok {
				if time.Now().Before(exp) {
					tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
				} else if cfg.Auth.RefreshToken != "" {
					tokenStatus = fmt.Sprintf("expired %s, refreshable", exp.Format(time.RFC3339))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
				}
			} else {
				tokenStatus = "present (no expiry claim)"
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		if cfg.Auth.AccessToken == "" {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			fmt.Printf("  Session error: %v\n", err)
			return nil
		}
		defer s.close()

		fmt.Println()
		fmt.Println("Tabs:")
		tabs, err := s.tab.ActiveTabs(ctx)
		if err != nil {
			fmt.Printf("  Error reading presence: %v\n", err)
		}
		primary, _ := s.tab.IsPrimaryTab(ctx)
		for _, t := range tabs {
			marker := " "
			if t.TabID == s.tab.TabID() {
				marker = "*"
			}
			fmt.Printf("  %s %s  last seen %s  %s\n", marker, t.TabID,
				time.UnixMilli(t.Timestamp).Format("15:04:05"), t.UserAgent)
		}
		fmt.Printf("  This process is primary: %v\n", primary)

		fmt.Println()
		fmt.Println("Live status:")
		me, err := s.client.Profile.Get(ctx)
		if err != nil {
			fmt.Printf("  Error fetching profile: %v\n", err)
			return nil
		}
		fmt.Printf("  Username:      %s\n", me.Username)
		fmt.Printf("  Display Name:  %s\n", me.DisplayName())
		fmt.Printf("  Email:         %s\n", me.Email)
		if me.CollegeName != "" {
			fmt.Printf("  College:       %s\n", me.CollegeName)
		}

		convs, err := s.client.Conversations.List(ctx)
		if err == nil {
			unread := 0
			for _, c := range convs {
				unread += c.UnreadCount
			}
			fmt.Printf("  Conversations: %d\n", len(convs))
			fmt.Printf("  Unread:        %d\n", unread)
		}
		return nil
	},
}
