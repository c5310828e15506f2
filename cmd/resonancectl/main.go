package main

import (
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("resonancectl"),
		kong.Description("Command-line client for agent negotiations."),
		kong.UsageOnError(),
		kongVars(),
		kong.Bind(&cli.Globals),
		kong.BindTo(io.Writer(os.Stdout), (*io.Writer)(nil)),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
