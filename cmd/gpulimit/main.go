package main

import (
	"context"
	"fmt"
	"os"

	"gpulimit/cmd/gpulimit/commands"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	app := commands.NewApp()
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
