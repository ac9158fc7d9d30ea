package storage

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"storyclip/internal/adapters/storage/gdrive"
	"storyclip/internal/adapters/storage/localfs"
	"storyclip/internal/config"
)

// NewProvider builds the provider named by cfg.Provider.
func NewProvider(ctx context.Context, cfg config.StorageConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "localfs":
		if cfg.LocalRoot == "" {
			return nil, fmt.Errorf("storage.local_root is required for localfs")
		}
		return localfs.New(cfg.LocalRoot), nil

	case "gdrive":
		return newGDriveProvider(ctx, cfg.GDrive)

	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}

// GDriveOAuthConfig is the OAuth client used both at runtime and by the
// refresh token bootstrap command. Only the drive.file scope is requested.
func GDriveOAuthConfig(g config.GDriveConfig, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
		RedirectURL:  redirectURL,
	}
}

func newGDriveProvider(ctx context.Context, g config.GDriveConfig) (Provider, error) {
	if g.ClientID == "" || g.ClientSecret == "" || g.RefreshToken == "" {
		return nil, fmt.Errorf("gdrive storage requires client_id, client_secret and refresh_token")
	}

	conf := GDriveOAuthConfig(g, "")
	httpClient := conf.Client(context.WithoutCancel(ctx), &oauth2.Token{RefreshToken: g.RefreshToken})

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return gdrive.NewClient(srv, g.FolderID), nil
}
