package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"

	"github.com/chorusbot/chorus/internal/config"
	"github.com/chorusbot/chorus/internal/db"
	"github.com/chorusbot/chorus/internal/registry"
	"github.com/chorusbot/chorus/internal/telegram"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newAssistantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assistant",
		Short: "Manage assistant accounts from the terminal",
	}

	cmd.AddCommand(newAssistantListCmd())
	cmd.AddCommand(newAssistantAddCmd())
	cmd.AddCommand(newAssistantRemoveCmd())
	return cmd
}

func newAssistantListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List enrolled assistants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBStatus(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	return cmd
}

func newAssistantRemoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an assistant record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("chorus: invalid assistant id %q", args[0])
			}
			reg, err := openRegistry(configPath)
			if err != nil {
				return err
			}
			if err := reg.Remove(id); err != nil {
				return err
			}
			if err := reg.ClearBindingsFor(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Assistant %d removed\n", id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	return cmd
}

func newAssistantAddCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Enroll a new assistant interactively",
		Long: "Walks through phone number, verification code, and 2FA password on\n" +
			"the terminal, then stores the session credential. The daemon picks\n" +
			"the new assistant up on its next start (or via restart-all).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssistantAdd(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	return cmd
}

func runAssistantAdd(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	reg, err := openRegistry(configPath)
	if err != nil {
		return err
	}

	// TODO(mtproto): same seam as the daemon; swap for the real factory.
	factory := telegram.NewSimFactory()
	auth, err := factory.NewAuthorizer(cfg.APIID, cfg.APIHash)
	if err != nil {
		return err
	}
	// Any failure below must not leak the half-authorized session.
	defer auth.Close(ctx)

	reader := bufio.NewReader(cmd.InOrStdin())

	phone, err := prompt(out, reader, "Phone number (+15551234567): ")
	if err != nil {
		return err
	}
	if err := auth.SendCode(ctx, phone); err != nil {
		return err
	}

	code, err := prompt(out, reader, "Verification code: ")
	if err != nil {
		return err
	}
	needs2FA, err := auth.SubmitCode(ctx, code)
	if err != nil {
		return err
	}
	if needs2FA {
		password, err := promptSecret(out, reader, "Cloud password (2FA): ")
		if err != nil {
			return err
		}
		if err := auth.SubmitPassword(ctx, password); err != nil {
			return err
		}
	}

	name, err := prompt(out, reader, "Assistant name: ")
	if err != nil {
		return err
	}

	cred, info, err := auth.Export(ctx)
	if err != nil {
		return err
	}
	id, err := reg.Add(cred, name)
	if err != nil {
		if errors.Is(err, registry.ErrCredentialExists) {
			return fmt.Errorf("chorus: that account is already enrolled")
		}
		return err
	}
	if err := reg.SetUserInfo(id, info); err != nil {
		return err
	}

	fmt.Fprintf(out, "Assistant %d (%s) enrolled\n", id, name)
	return nil
}

func openRegistry(configPath string) (*registry.Registry, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	return registry.New(gormDB)
}

func prompt(out io.Writer, reader *bufio.Reader, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("chorus: read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// promptSecret reads without echo when stdin is a terminal, so the cloud
// password never lands in scrollback.
func promptSecret(out io.Writer, reader *bufio.Reader, label string) (string, error) {
	fmt.Fprint(out, label)
	fd := int(syscall.Stdin)
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("chorus: read password: %w", err)
		}
		return strings.TrimSpace(string(secret)), nil
	}
	return prompt(out, reader, "")
}
