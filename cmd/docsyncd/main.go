// Command docsyncd serves the document sync API.
//
//	docsyncd [-c config.json] [-a :50051] [-d dsn] [-s secret]
//	docsyncd token -owner clinic-a [-s secret] [-t 720h]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dmitrijs2005/healthsync/internal/docsync"
	"github.com/dmitrijs2005/healthsync/internal/docsync/auth"
	"github.com/dmitrijs2005/healthsync/internal/docsync/config"
)

func main() {
	ctx := context.Background()

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "token" {
		if err := mintToken(args[1:]); err != nil {
			log.Fatal(err)
		}
		return
	}

	cfg, err := config.LoadConfig(args)
	if err != nil {
		log.Fatal(err)
	}
	app, err := docsync.NewApp(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	app.Run(ctx)
}

// mintToken prints a bearer token for an owner, signed with the
// configured secret.
func mintToken(args []string) error {
	cfg, err := config.LoadConfig(args)
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	owner := fs.String("owner", "", "document owner the token grants access to")
	// config flags are parsed above; declare them so Parse accepts them
	fs.String("c", "", "config file")
	fs.String("config", "", "config file")
	fs.String("s", "", "secret key")
	fs.String("t", "", "token validity")
	fs.String("a", "", "ignored")
	fs.String("d", "", "ignored")
	fs.String("l", "", "ignored")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *owner == "" {
		return fmt.Errorf("token: -owner is required")
	}

	tok, err := auth.GenerateToken(*owner, []byte(cfg.SecretKey), cfg.TokenValidity)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
