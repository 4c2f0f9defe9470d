package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/effective-security/tokensign/cmd/token-tool/cli"
	"github.com/effective-security/tokensign/internal/version"
	"github.com/effective-security/x/ctl"
)

type app struct {
	cli.Cli

	Token cli.TokenCmd `cmd:"" help:"Token commands"`
	Certs cli.CertsCmd `cmd:"" help:"List certificates for authentication or signing"`
	Sign  cli.SignCmd  `cmd:"" help:"Sign digest with the key of the certificate"`
}

func main() {
	realMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func realMain(args []string, out io.Writer, errout io.Writer, exit func(int)) {
	realMainWith(&cli.Cli{}, args, out, errout, exit)
}

func realMainWith(c *cli.Cli, args []string, out io.Writer, errout io.Writer, exit func(int)) {
	cl := app{
		Cli: *c,
	}
	cl.Cli.WithErrWriter(errout).
		WithWriter(out)

	parser, err := kong.New(&cl,
		kong.Name("token-tool"),
		kong.Description("CLI tool for PKCS#11 smart cards"),
		//kong.UsageOnError(),
		kong.Writers(out, errout),
		kong.Exit(exit),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.Current().String(),
		})
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args[1:])
	parser.FatalIfErrorf(err)

	if ctx != nil {
		if cl.Debug {
			// in DEBUG more print command line
			_, _ = fmt.Fprintf(ctx.Stdout, "#\n# %s\n#\n", strings.Join(args, " "))
		}
		err = ctx.Run(&cl.Cli)
		cl.Cli.Close()
		ctx.FatalIfErrorf(err)
	}
}
