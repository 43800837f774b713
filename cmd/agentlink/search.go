package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/agentlink/internal/protocol"
	"github.com/basket/agentlink/internal/rest"
	"github.com/basket/agentlink/internal/track"
)

// searchCommand runs a knowledge search. When a REST base URL is configured
// it goes over HTTP and prints the hit contents; otherwise it runs over the
// socket and prints the search summary the gateway reports.
func searchCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	query := fs.String("query", "", "search query (required)")
	baseID := fs.String("base", "", "knowledge base id")
	limit := fs.Int("limit", 5, "maximum number of hits")
	fs.Parse(args)

	if *query == "" {
		fmt.Fprintln(os.Stderr, "search requires -query")
		fs.Usage()
		return 2
	}

	a, err := setup(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.close()

	if a.cfg.REST.BaseURL != "" {
		return searchREST(ctx, a, *query, *baseID, *limit)
	}
	return searchSocket(ctx, a, *query, *baseID, *limit)
}

func searchREST(ctx context.Context, a *app, query, baseID string, limit int) int {
	rc := rest.NewClient(a.cfg.REST.BaseURL, a.cfg.Token, a.cfg.REST.Timeout(), a.logger)
	hits, err := rc.SearchKnowledge(ctx, protocol.SearchKnowledgeRequest{
		Query:  query,
		BaseID: baseID,
		Limit:  limit,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, styled(styleErr, err.Error()))
		return 1
	}
	if len(hits) == 0 {
		fmt.Fprintln(os.Stderr, styled(styleDim, "no results"))
		return 0
	}
	for i, hit := range hits {
		fmt.Printf("%s %s\n", styled(styleLabel, fmt.Sprintf("%d.", i+1)),
			styled(styleDim, fmt.Sprintf("%s (%.2f)", hit.Source, hit.Score)))
		fmt.Println(hit.Content)
	}
	return 0
}

func searchSocket(ctx context.Context, a *app, query, baseID string, limit int) int {
	if err := a.connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, styled(styleErr, "connect failed: "+err.Error()))
		return 1
	}
	searchID, err := a.client.SearchKnowledge(ctx, protocol.SearchKnowledgeRequest{
		Query:  query,
		BaseID: baseID,
		Limit:  limit,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, styled(styleErr, err.Error()))
		return 1
	}
	snap, err := a.tracker.Await(ctx, searchID)
	if err != nil {
		fmt.Fprintln(os.Stderr, styled(styleErr, err.Error()))
		return 1
	}
	if snap.State != track.StateCompleted {
		fmt.Fprintln(os.Stderr, styled(styleErr, "search failed"))
		return 1
	}
	fmt.Printf("%d results\n", snap.ResultCount)
	for _, src := range snap.Sources {
		fmt.Println(styled(styleDim, "  "+src))
	}
	return 0
}
