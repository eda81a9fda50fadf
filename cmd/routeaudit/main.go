// Command routeaudit verifies live routes against their ledger anchors and
// exits non-zero when any route has diverged.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"delivery-route-ledger/internal/app"
	"delivery-route-ledger/internal/config"
	"delivery-route-ledger/internal/domain"
)

const (
	exitOK       = 0
	exitTampered = 1
	exitError    = 2
)

func main() {
	routeID := flag.String("route", "", "verify a single route id")
	all := flag.Bool("all", false, "verify every live route")
	flag.Parse()

	if (*routeID == "") == !*all {
		fmt.Fprintln(os.Stderr, "usage: routeaudit -route <id> | -all")
		os.Exit(exitError)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (using environment variables)")
	}
	os.Exit(audit(context.Background(), *routeID, os.Stdout))
}

// audit builds the configured backends and runs the check against them.
func audit(ctx context.Context, routeID string, out io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		log.Print(err)
		return exitError
	}
	policy, err := config.LoadPolicy(cfg.AuthPolicyFile)
	if err != nil {
		log.Print(err)
		return exitError
	}

	a, err := app.Build(ctx, cfg, policy)
	if err != nil {
		log.Print(err)
		return exitError
	}
	defer a.Close()

	return run(ctx, a.Verifier, routeID, out)
}

type verifier interface {
	Verify(ctx context.Context, routeID string) (domain.VerificationResult, error)
	VerifyAll(ctx context.Context) ([]domain.VerificationResult, map[string]error, error)
}

// run verifies one route, or every live route when routeID is empty, and
// returns the process exit code.
func run(ctx context.Context, v verifier, routeID string, out io.Writer) int {
	var results []domain.VerificationResult
	var failed int
	if routeID != "" {
		res, err := v.Verify(ctx, routeID)
		if err != nil {
			log.Print(err)
			return exitError
		}
		results = append(results, res)
	} else {
		var errs map[string]error
		var err error
		results, errs, err = v.VerifyAll(ctx)
		if err != nil {
			log.Print(err)
			return exitError
		}
		ids := make([]string, 0, len(errs))
		for id := range errs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			color.New(color.FgMagenta).Fprintf(out, "ERROR   %s: %v\n", id, errs[id])
		}
		failed = len(errs)
	}

	code := exitOK
	for _, res := range results {
		printResult(out, res)
		if res.Tampered() {
			code = exitTampered
		}
	}
	if failed > 0 {
		log.Printf("%d routes could not be verified", failed)
		if code == exitOK {
			code = exitError
		}
	}
	return code
}

func printResult(out io.Writer, res domain.VerificationResult) {
	var c *color.Color
	var label string
	switch res.Outcome {
	case domain.OutcomeVerified:
		c, label = color.New(color.FgGreen), "OK"
	case domain.OutcomePendingAnchor, domain.OutcomeNeverAnchored:
		c, label = color.New(color.FgYellow), "PENDING"
	case domain.OutcomeAnchorFailed:
		c, label = color.New(color.FgYellow, color.Bold), "FAILED"
	default:
		c, label = color.New(color.FgRed, color.Bold), "TAMPER"
	}

	c.Fprintf(out, "%-8s", label)
	fmt.Fprintf(out, "%s v%d %s\n", res.RouteID, res.LiveVersion, res.Detail)
	fmt.Fprintf(out, "        computed=%s ledger=%s\n", fpOrNone(res.Computed), fpOrNone(res.Ledger))
}

func fpOrNone(f domain.Fingerprint) string {
	if f.IsZero() {
		return "none"
	}
	return f.Hex()
}
