package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/nullspace-games/casino-gateway/internal/backend"
	"github.com/nullspace-games/casino-gateway/internal/codec"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: accountctl <pubkey-hex> [game]")
		os.Exit(1)
	}
	url := os.Getenv("BACKEND_SUBMIT_URL")
	if url == "" {
		url = "http://localhost:9944"
	}
	c := backend.NewClient(url, 10*time.Second)
	ctx := context.Background()

	acct, err := c.GetAccount(ctx, os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("exists:   %v\n", acct.Exists)
	fmt.Printf("balance:  %s chips\n", acct.Balance)
	fmt.Printf("nonce:    %d\n", acct.Nonce)

	if len(os.Args) > 2 {
		buf, _ := c.RoundSnapshot(ctx, os.Args[2])
		if rd := codec.DecodeRoundLookup(buf); rd != nil {
			fmt.Printf("round:    %d phase %d\n", rd.Round, rd.Phase)
			if len(rd.Outcome) > 0 {
				fmt.Printf("outcome:  %s\n", hex.EncodeToString(rd.Outcome))
			}
		}
	}
}
