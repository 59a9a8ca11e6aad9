package main

import (
	"context"
	"fmt"

	"marginalia/pkg/types"

	"github.com/spf13/cobra"
)

func provisionCmd() *cobra.Command {
	var (
		handle  string
		name    string
		summary string
		service bool
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create a local actor and its signing keys",
		Long:  `Create a local actor with an RSA key pair. Running it again for an existing handle is a no-op.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if handle == "" {
				handle = cfg.InstanceHandle
				service = true
			}
			if name == "" {
				name = handle
			}

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			kind := types.ActorPerson
			if service {
				kind = types.ActorService
			}
			user, err := a.dispatcher.Provision(context.Background(), handle, name, summary, kind)
			if err != nil {
				return err
			}

			fmt.Println(accentValueStyle.Render("✓ Actor ready"))
			fmt.Println(labelStyle.Render("Handle") + valueStyle.Render(user.Handle))
			fmt.Println(labelStyle.Render("Actor") + valueStyle.Render(a.dispatcher.ActorURI(user.Handle)))
			fmt.Println(labelStyle.Render("Key") + valueStyle.Render(a.dispatcher.KeyID(user.Handle)))
			fmt.Println(labelStyle.Render("Kind") + valueStyle.Render(string(user.Kind)))
			return nil
		},
	}

	cmd.Flags().StringVar(&handle, "handle", "", "actor handle (defaults to the instance actor)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&summary, "summary", "", "profile summary")
	cmd.Flags().BoolVar(&service, "service", false, "create a Service actor instead of a Person")
	return cmd
}
