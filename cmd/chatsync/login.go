package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/campuslink/chatsync"
	"github.com/spf13/cobra"
)

var (
	loginPassword string

	registerEmail     string
	registerPassword  string
	registerFirstName string
	registerLastName  string
	registerCollege   string
)

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (prompted when omitted; CHATSYNC_PASSWORD also works)")

	registerCmd.Flags().StringVar(&registerEmail, "email", "", "Email address")
	registerCmd.Flags().StringVar(&registerPassword, "password", "", "Password")
	registerCmd.Flags().StringVar(&registerFirstName, "first-name", "", "First name")
	registerCmd.Flags().StringVar(&registerLastName, "last-name", "", "Last name")
	registerCmd.Flags().StringVar(&registerCollege, "college", "", "College name (see 'chatsync colleges')")
	_ = registerCmd.MarkFlagRequired("email")
	_ = registerCmd.MarkFlagRequired("password")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(collegesCmd)
}

func readPassword() (string, error) {
	if loginPassword != "" {
		return loginPassword, nil
	}
	if v := os.Getenv(envPrefix + "_PASSWORD"); v != "" {
		return v, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Sign in and store the token in ~/.chatsync/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		password, err := readPassword()
		if err != nil {
			return err
		}

		client, err := anonymousClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := client.Auth.Login(ctx, username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{
			AccessToken:  res.Access,
			RefreshToken: res.Refresh,
			Username:     username,
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Login successful!")
		fmt.Printf("  Username: %s\n", username)
		if exp, ok := chatsync.TokenExpiry(res.Access); ok {
			fmt.Printf("  Token expires: %s\n", exp.Format(time.RFC3339))
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the saved login",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.AccessToken == "" {
			fmt.Println("Not logged in.")
			return nil
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := anonymousClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		user, err := client.Auth.Register(ctx, &chatsync.RegisterOptions{
			Username:    args[0],
			Email:       registerEmail,
			Password:    registerPassword,
			FirstName:   registerFirstName,
			LastName:    registerLastName,
			CollegeName: registerCollege,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		fmt.Println("Registration successful!")
		fmt.Printf("  Username: %s\n", valueOrDefault(user.Username, args[0]))
		fmt.Printf("  Email:    %s\n", valueOrDefault(user.Email, registerEmail))
		fmt.Println("Run 'chatsync login' to sign in.")
		return nil
	},
}

var collegesCmd = &cobra.Command{
	Use:   "colleges",
	Short: "List colleges available at sign-up",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := anonymousClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		colleges, err := client.Users.Colleges(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(colleges) == 0 {
			fmt.Println("No colleges found.")
			return nil
		}
		for _, c := range colleges {
			fmt.Printf("  %s\n", c.Name)
		}
		return nil
	},
}
