package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/modpack/cmd/modpack/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Build   commands.BuildCmd `cmd:"" help:"Build the configured entries once"`
		Serve   commands.ServeCmd `cmd:"" help:"Start the dev server and rebuild on change"`
		Debug   bool              `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("modpack"),
		kong.Description("A module bundler for browser applications."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
