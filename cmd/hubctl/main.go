package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/common-fate/clio"
	"github.com/common-fate/clio/clierr"
	"github.com/common-fate/hubctl/pkg/hubctl"
	"github.com/joho/godotenv"
)

func main() {
	// a .env file is optional
	_ = godotenv.Load()

	// the first signal stops dispatching new accounts; in-flight accounts finish and are reported.
	// stop restores the default handler so a second signal exits immediately.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	app := hubctl.GetCliApp(hubctl.Opts{})

	err := app.RunContext(ctx, os.Args)
	if err != nil {
		// if the error is an instance of clierr.PrintCLIErrorer then print the error accordingly
		if cliError, ok := err.(clierr.PrintCLIErrorer); ok {
			cliError.PrintCLIError()
		} else {
			clio.Error(err.Error())
		}
		os.Exit(1)
	}
}
