package main

import (
	"context"
	"errors"

	"github.com/pterm/pterm"

	"crashpoint/internal/money"
)

func playerAdd(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: crashctl player add <name> <balance>")
	}
	name := args[0]
	balance, err := money.ParseCents(args[1])
	if err != nil {
		return err
	}
	if balance < 0 {
		return money.ErrInvalidAmount
	}

	e, err := connect(ctx, false)
	if err != nil {
		return err
	}
	defer e.close()

	created, err := e.db.CreatePlayer(ctx, name, balance)
	if err != nil {
		return err
	}
	if !created {
		pterm.Warning.Printfln("Player %s already exists, balance unchanged", name)
		return nil
	}
	pterm.Success.Printfln("Created %s with %s", pterm.LightCyan(name), balance)
	return nil
}

func playerBalance(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: crashctl player balance <name>")
	}

	e, err := connect(ctx, false)
	if err != nil {
		return err
	}
	defer e.close()

	balance, err := e.db.Balance(ctx, args[0])
	if err != nil {
		return err
	}
	pterm.Info.Printfln("%s: %s", pterm.LightCyan(args[0]), balance)
	return nil
}
