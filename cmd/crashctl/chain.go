package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"

	"crashpoint/internal/cache"
	"crashpoint/internal/hashchain"
)

const verifyPage = 1000

func chainStatus(ctx context.Context) error {
	e, err := connect(ctx, true)
	if err != nil {
		return err
	}
	defer e.close()

	st, err := e.db.ChainStats(ctx)
	if err != nil {
		return err
	}
	queued, err := cache.NewChainQueue(e.cache.GetClient()).Len(ctx)
	if err != nil {
		return err
	}

	return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Links", "Bound", "Unconsumed", "Queued", "Head seq"},
		{
			strconv.FormatInt(st.Total, 10),
			strconv.FormatInt(st.Bound, 10),
			strconv.FormatInt(st.Unconsumed, 10),
			strconv.FormatInt(queued, 10),
			strconv.FormatInt(st.MaxSeq, 10),
		},
	}).Render()
}

func chainSeed(ctx context.Context, args []string) error {
	e, err := connect(ctx, true)
	if err != nil {
		return err
	}
	defer e.close()

	length := e.cfg.Chain.Length
	if len(args) > 0 {
		if length, err = strconv.Atoi(args[0]); err != nil || length <= 0 {
			return fmt.Errorf("invalid length %q", args[0])
		}
	}

	var secret string
	if len(args) > 1 {
		secret = args[1]
	} else if secret, err = hashchain.NewSecret(); err != nil {
		return err
	}

	from, err := e.db.MaxSeq(ctx)
	if err != nil {
		return err
	}

	chain := hashchain.New(e.db, cache.NewChainQueue(e.cache.GetClient()), hashchain.Options{
		Length:    length,
		BatchSize: e.cfg.Chain.BatchSize,
	})

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Seeding %d links", length))
	n, err := chain.Seed(ctx, secret, length)
	if err != nil {
		spinner.Fail(fmt.Sprintf("Seeded %d of %d links", n, length))
		return err
	}
	spinner.Success(fmt.Sprintf("Seeded %d links from seq %d", n, from+1))

	head, err := e.db.Links(ctx, from+1, 1)
	if err != nil || len(head) == 0 {
		return err
	}

	pterm.DefaultBox.WithTitle(pterm.LightYellow("|CHAIN|")).WithTitleTopCenter().Println(
		pterm.Sprintfln("First hash (publish now): %s", head[0].Hash) +
			pterm.Sprintf("Secret (reveal when spent): %s", pterm.LightRed(secret)),
	)
	return nil
}

func chainVerify(ctx context.Context, args []string) error {
	from, count := int64(1), 10_000
	if len(args) > 0 {
		v, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || v <= 0 {
			return fmt.Errorf("invalid start seq %q", args[0])
		}
		from = v
	}
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			return fmt.Errorf("invalid count %q", args[1])
		}
		count = v
	}

	e, err := connect(ctx, false)
	if err != nil {
		return err
	}
	defer e.close()

	var (
		checked int
		starts  []int64
		prev    hashchain.Link
	)
	for checked < count {
		links, err := e.db.Links(ctx, from, min(verifyPage, count-checked))
		if err != nil {
			return err
		}
		if len(links) == 0 {
			break
		}

		starts = append(starts, chainBreaks(prev, links)...)

		checked += len(links)
		prev = links[len(links)-1]
		from = prev.Seq + 1
	}

	if len(starts) > 0 {
		pterm.Warning.Printfln("Links at seq %v do not hash to their predecessor; each must be the start of a separately seeded chain", starts)
	}
	pterm.Success.Printfln("%d links checked", checked)
	return nil
}

// chainBreaks checks links in serve order, continuing from prev, and returns
// the seqs of links that do not hash to the link before them.
func chainBreaks(prev hashchain.Link, links []hashchain.Link) []int64 {
	var breaks []int64
	for _, l := range links {
		if prev.Hash != "" && prev.Seq == l.Seq-1 && !hashchain.VerifyLink(prev.Hash, l.Hash) {
			breaks = append(breaks, l.Seq)
		}
		prev = l
	}
	return breaks
}
