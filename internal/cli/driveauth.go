package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codebuildervaibhav/hebrew-whisper/internal/storage"
)

func newDriveAuthCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "drive-auth",
		Short: "Authorize Google Drive mirroring and store the OAuth token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			gd := app.cfg.GoogleDrive
			if gd.CredentialsFile == "" || gd.TokenFile == "" {
				return fmt.Errorf("google_drive.credentials_file and google_drive.token_file must be set")
			}
			if err := storage.Authorize(ctx, gd.CredentialsFile, gd.TokenFile, app.in, app.out); err != nil {
				return err
			}
			fmt.Fprintf(app.out, "Token saved to %s\n", gd.TokenFile)
			return nil
		},
	}
}
