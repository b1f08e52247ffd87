// Command crashctl is the operator tool for the hash chain and player
// accounts.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"

	"crashpoint/internal/cache"
	"crashpoint/internal/config"
	"crashpoint/internal/database"
)

const usage = `usage: crashctl <command>

  chain status                    show chain size and serve queue length
  chain seed [length] [secret]    append a new chain and queue it for serving
  chain verify [from] [count]     check stored links hash into each other
  player add <name> <balance>     create a player with a starting balance
  player balance <name>           show a player's balance`

type env struct {
	cfg   *config.Config
	db    database.Service
	cache cache.Service
}

func (e *env) close() {
	if e.cache != nil {
		e.cache.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
}

func connect(ctx context.Context, withCache bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	db, err := database.Connect(ctx, cfg.DB.URL())
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, db: db}

	if withCache {
		e.cache, err = cache.New(cfg.Redis)
		if err != nil {
			e.close()
			return nil, err
		}
	}
	return e, nil
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	var err error
	switch group, cmd, args := os.Args[1], os.Args[2], os.Args[3:]; group + " " + cmd {
	case "chain status":
		err = chainStatus(ctx)
	case "chain seed":
		err = chainSeed(ctx, args)
	case "chain verify":
		err = chainVerify(ctx, args)
	case "player add":
		err = playerAdd(ctx, args)
	case "player balance":
		err = playerBalance(ctx, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
