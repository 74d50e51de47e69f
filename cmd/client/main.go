package main

import (
	"context"
	"log"

	"github.com/dmitrijs2005/chatrelay/internal/client/cli"
	"github.com/dmitrijs2005/chatrelay/internal/client/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := cli.NewApp(ctx, cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
	}

}
